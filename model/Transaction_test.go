package model

import (
	"testing"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewardTxIDsDiffer(t *testing.T) {
	s := NewTestSigner("same")
	prev := chainhash.Hash{7}

	pow := NewRewardTx(false, 5, prev, s.Address(), 10)
	pos := NewRewardTx(true, 5, prev, s.Address(), 10)

	assert.NotEqual(t, pow.ID(), pos.ID())
	assert.True(t, pow.IsPowReward())
	assert.True(t, pos.IsPosReward())
	assert.False(t, pow.IsPosReward())

	height, parent := pos.RewardParent()
	assert.Equal(t, uint64(5), height)
	assert.Equal(t, prev, parent)
}

func TestIDExcludesWitness(t *testing.T) {
	owner := NewTestSigner("owner")
	tx := NewTestSpend(owner, []*UTXO{{Anchor: Anchor{Height: 1, TxID: chainhash.Hash{1}}}},
		&TxOutput{Address: owner.Address(), Amount: 5, Rule: RuleSig})

	id := tx.ID()
	tx.Inputs[0].Signature = []byte{1, 2, 3}
	assert.Equal(t, id, tx.ID())
}

func TestTransactionRoundTripAndSignature(t *testing.T) {
	owner := NewTestSigner("owner")
	other := NewTestSigner("other")

	tx := NewTestSpend(owner, []*UTXO{{Anchor: Anchor{Height: 3, TxID: chainhash.Hash{9}, Index: 2}}},
		&TxOutput{Address: other.Address(), Amount: 5, Rule: RuleSig},
		&TxOutput{Address: owner.Address(), Amount: 1, Rule: RuleStake})

	decoded, err := NewTransactionFromBytes(tx.Bytes())
	require.NoError(t, err)
	require.Equal(t, tx.ID(), decoded.ID())

	in := decoded.Inputs[0]
	assert.True(t, VerifySignature(in.PubKey, in.Signature, decoded.ID()))
	assert.Equal(t, owner.Address(), AddressFromPubKey(in.PubKey))
	assert.False(t, VerifySignature(other.PubKey(), in.Signature, decoded.ID()))
}

func TestCheckShape(t *testing.T) {
	owner := NewTestSigner("owner")
	anchor := Anchor{Height: 1, TxID: chainhash.Hash{1}}
	out := func(amount uint64, rule Rule, address string) *TxOutput {
		return &TxOutput{Address: address, Amount: amount, Rule: rule}
	}

	tests := []struct {
		name string
		tx   *Transaction
		ok   bool
	}{
		{"valid", &Transaction{Inputs: []*TxInput{{Anchor: anchor}}, Outputs: []*TxOutput{out(1, RuleSig, owner.Address())}}, true},
		{"no inputs", &Transaction{Outputs: []*TxOutput{out(1, RuleSig, owner.Address())}}, false},
		{"zero amount", &Transaction{Inputs: []*TxInput{{Anchor: anchor}}, Outputs: []*TxOutput{out(0, RuleSig, owner.Address())}}, false},
		{"bad rule", &Transaction{Inputs: []*TxInput{{Anchor: anchor}}, Outputs: []*TxOutput{out(1, Rule(9), owner.Address())}}, false},
		{"bad address", &Transaction{Inputs: []*TxInput{{Anchor: anchor}}, Outputs: []*TxOutput{out(1, RuleSig, "nope")}}, false},
		{"duplicate input", &Transaction{Inputs: []*TxInput{{Anchor: anchor}, {Anchor: anchor}}, Outputs: []*TxOutput{out(1, RuleSig, owner.Address())}}, false},
		{"zero anchor", &Transaction{Inputs: []*TxInput{{}}, Outputs: []*TxOutput{out(1, RuleSig, owner.Address())}}, false},
		{"overflow", &Transaction{Inputs: []*TxInput{{Anchor: anchor}}, Outputs: []*TxOutput{out(^uint64(0), RuleSig, owner.Address()), out(2, RuleSig, owner.Address())}}, false},
		{"reward", NewRewardTx(true, 1, chainhash.Hash{}, owner.Address(), 3), true},
		{"zero reward", NewRewardTx(false, 1, chainhash.Hash{}, owner.Address(), 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tx.CheckShape()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrTxInvalid))
			}
		})
	}
}

func TestAnchorString(t *testing.T) {
	a := Anchor{Height: 12, TxID: chainhash.Hash{0xab}, Index: 3}

	parsed, err := NewAnchorFromString(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = NewAnchorFromString("1:2")
	assert.Error(t, err)

	assert.True(t, Anchor{Height: 1}.Less(Anchor{Height: 2}))
	assert.True(t, Anchor{Height: 1, Index: 1}.Less(Anchor{Height: 1, Index: 2}))
	assert.True(t, Anchor{}.IsZero())
}

func TestValidateAddress(t *testing.T) {
	s := NewTestSigner("addr")
	require.NoError(t, ValidateAddress(s.Address()))

	broken := []byte(s.Address())
	broken[len(broken)-1] ^= 1
	assert.Error(t, ValidateAddress(string(broken)))

	loaded, err := NewSignerFromHex(s.PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, s.Address(), loaded.Address())
}

func TestVerifyOwnership(t *testing.T) {
	owner := NewTestSigner("owner")
	thief := NewTestSigner("thief")

	u := &UTXO{Anchor: Anchor{Height: 1, TxID: chainhash.Hash{1}}, Address: owner.Address(), Amount: 10, Rule: RuleSig}
	spent := map[Anchor]*UTXO{u.Anchor: u}
	out := &TxOutput{Address: thief.Address(), Amount: 10, Rule: RuleSig}

	t.Run("owner", func(t *testing.T) {
		require.NoError(t, NewTestSpend(owner, []*UTXO{u}, out).VerifyOwnership(spent))
	})

	t.Run("wrong key", func(t *testing.T) {
		err := NewTestSpend(thief, []*UTXO{u}, out).VerifyOwnership(spent)
		assert.True(t, errors.Is(err, errors.ErrTxInvalid))
	})

	t.Run("tampered after signing", func(t *testing.T) {
		tx := NewTestSpend(owner, []*UTXO{u}, out)
		tx.Outputs[0].Amount = 9

		err := tx.VerifyOwnership(spent)
		assert.True(t, errors.Is(err, errors.ErrTxInvalid))
	})

	t.Run("unknown input", func(t *testing.T) {
		err := NewTestSpend(owner, []*UTXO{u}, out).VerifyOwnership(map[Anchor]*UTXO{})
		assert.True(t, errors.Is(err, errors.ErrTxMissingInput))
	})
}
