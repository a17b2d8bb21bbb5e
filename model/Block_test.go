package model

import (
	"testing"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockWireRoundTrip(t *testing.T) {
	miner := NewTestSigner("miner")
	validator := NewTestSigner("validator")

	genesis := NewTestBlock(0, chainhash.Hash{}, 1_000, miner, validator, 100)

	spend := NewTestSpend(validator, []*UTXO{{
		Anchor: Anchor{Height: 0, TxID: genesis.Txs[1].ID(), Index: 0},
	}}, &TxOutput{Address: miner.Address(), Amount: 40, Rule: RuleStake})

	block := NewTestBlock(1, genesis.Hash, 2_000, miner, validator, 100, spend)

	decoded, err := NewBlockFromBytes(block.Bytes())
	require.NoError(t, err)

	assert.Equal(t, block.Signature(), decoded.Signature())
	assert.Equal(t, block.Hash, decoded.Hash)
	assert.Equal(t, block.Nonce, decoded.Nonce)
	assert.Equal(t, block.ComputeHash(TestPowParams), decoded.ComputeHash(TestPowParams))
	assert.Equal(t, spend.ID(), decoded.Txs[2].ID())
	assert.Equal(t, RuleStake, decoded.Txs[2].Outputs[0].Rule)
	assert.Equal(t, validator.Address(), decoded.ValidatorAddress())
}

func TestBlockDecodeRejectsGarbage(t *testing.T) {
	_, err := NewBlockFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBlockInvalid))

	block := NewTestBlock(0, chainhash.Hash{}, 1, NewTestSigner("a"), NewTestSigner("b"), 10)
	raw := append(block.Bytes(), 0xff)

	_, err = NewBlockFromBytes(raw)
	require.Error(t, err)
}

func TestSignatureIgnoresHashAndNonce(t *testing.T) {
	block := NewTestBlock(0, chainhash.Hash{}, 1, NewTestSigner("a"), NewTestSigner("b"), 10)
	sig := block.Signature()

	block.Nonce++
	block.Hash = chainhash.Hash{1}
	assert.Equal(t, sig, block.Signature())

	block.Timestamp++
	assert.NotEqual(t, sig, block.Signature())
}

func TestMeetsDifficulty(t *testing.T) {
	tests := []struct {
		name       string
		hash       chainhash.Hash
		difficulty uint32
		want       bool
	}{
		{"zero difficulty accepts anything", chainhash.Hash{0xff}, 0, true},
		{"adjust only, high bits pass", chainhash.Hash{0xf8}, 15, true},
		{"adjust only, low bits fail", chainhash.Hash{0x00}, 1, false},
		{"one zero bit required", chainhash.Hash{0x80}, 16, false},
		{"one zero bit present", chainhash.Hash{0x7f}, 16, true},
		{"zero bits then adjust", chainhash.Hash{0x04}, 32 + 3, false},
		{"zero bits then adjust ok", chainhash.Hash{0x06}, 32 + 3, true},
		{"zero bits violated", chainhash.Hash{0x46}, 32 + 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MeetsDifficulty(tt.hash, tt.difficulty))
		})
	}
}

func TestFinalDifficulty(t *testing.T) {
	b := &Block{Difficulty: 20, Legitimacy: 3}
	assert.Equal(t, uint32(26), b.FinalDifficulty(2))
	assert.Equal(t, uint32(20), b.FinalDifficulty(0))
}

func TestCloneIsDeep(t *testing.T) {
	block := NewTestBlock(0, chainhash.Hash{}, 1, NewTestSigner("a"), NewTestSigner("b"), 10)
	clone := block.Clone()

	clone.Txs[0].Outputs[0].Amount = 999
	clone.Txs[1].Inputs[0].Signature[0] ^= 0xff

	assert.NotEqual(t, uint64(999), block.Txs[0].Outputs[0].Amount)
	assert.NotEqual(t, block.Txs[1].Inputs[0].Signature, clone.Txs[1].Inputs[0].Signature)
	assert.Equal(t, block.Index, clone.Index)
}

func TestAccessorsOnCandidate(t *testing.T) {
	candidate := &Block{}
	assert.Nil(t, candidate.PowRewardTx())
	assert.Nil(t, candidate.UserTxs())
	assert.Empty(t, candidate.ValidatorAddress())
}

func TestCheckProof(t *testing.T) {
	miner := NewTestSigner("miner")
	validator := NewTestSigner("validator")

	solved := func() *Block {
		return NewTestBlock(1, chainhash.Hash{0x01}, 2_000, miner, validator, 100)
	}

	t.Run("solved block", func(t *testing.T) {
		require.NoError(t, solved().CheckProof(TestPowParams, 1, 0))
	})

	t.Run("unsolved block claiming a high difficulty", func(t *testing.T) {
		b := solved()
		b.Difficulty = 400
		b.Hash = b.ComputeHash(TestPowParams)

		err := b.CheckProof(TestPowParams, 1, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBlockInvalid))
	})

	t.Run("difficulty below the minimum", func(t *testing.T) {
		b := solved()
		b.Difficulty = 0
		SolveBlock(b, TestPowParams, 0)

		require.Error(t, b.CheckProof(TestPowParams, 1, 0))
		require.NoError(t, b.CheckProof(TestPowParams, 0, 0))
	})

	t.Run("hash not recomputed", func(t *testing.T) {
		b := solved()
		b.Hash = chainhash.Hash{}

		require.Error(t, b.CheckProof(TestPowParams, 1, 0))
		require.Error(t, b.CheckWork(1, 0))
	})

	t.Run("reward bound to another parent", func(t *testing.T) {
		b := solved()
		b.PrevHash = chainhash.Hash{0x02}
		SolveBlock(b, TestPowParams, b.Difficulty)

		require.Error(t, b.CheckProof(TestPowParams, 1, 0))
	})

	t.Run("timestamps out of order", func(t *testing.T) {
		b := solved()
		b.PosTimestamp = b.Timestamp + 1
		SolveBlock(b, TestPowParams, b.Difficulty)

		require.Error(t, b.CheckProof(TestPowParams, 1, 0))
	})

	t.Run("legitimacy penalty raises the target", func(t *testing.T) {
		b := solved()
		b.Legitimacy = 25

		require.Error(t, b.CheckWork(1, 16))
	})
}
