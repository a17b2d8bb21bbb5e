package model

import (
	"crypto/sha256"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	bec "github.com/bsv-blockchain/go-sdk/primitives/ec"
)

// TestPowParams keeps Argon2 cheap enough for unit tests.
var TestPowParams = PowParams{Time: 1, MemoryKiB: 8, Threads: 1}

// NewTestSigner returns a deterministic signer derived from seed.
func NewTestSigner(seed string) *Signer {
	key := sha256.Sum256([]byte(seed))
	priv, _ := bec.PrivateKeyFromBytes(key[:])

	return newSigner(priv)
}

// SolveBlock searches nonces until the block hash meets difficulty.
func SolveBlock(b *Block, p PowParams, difficulty uint32) {
	sig := b.Signature()

	for nonce := uint64(0); ; nonce++ {
		hash := PowHash(sig, nonce, p)
		if MeetsDifficulty(hash, difficulty) {
			b.Nonce = nonce
			b.Hash = hash

			return
		}
	}
}

// NewTestSpend builds a signed transaction spending utxos of signer.
func NewTestSpend(signer *Signer, utxos []*UTXO, outputs ...*TxOutput) *Transaction {
	tx := &Transaction{Outputs: outputs}

	for _, u := range utxos {
		tx.Inputs = append(tx.Inputs, &TxInput{Anchor: u.Anchor})
	}

	_ = tx.SignAll(signer)

	return tx
}

// NewTestBlock builds a finalized block with reward transactions paying the
// given addresses and solves it at difficulty.
func NewTestBlock(index uint64, prevHash chainhash.Hash, timestamp int64, miner, validator *Signer, coinbase uint64, txs ...*Transaction) *Block {
	b := &Block{
		Index:        index,
		PrevHash:     prevHash,
		PosTimestamp: timestamp - 1,
		Timestamp:    timestamp,
		Difficulty:   1,
		CoinBase:     coinbase,
	}

	pos := coinbase / 2
	b.PowReward = coinbase - pos

	posTx := NewRewardTx(true, index, prevHash, validator.Address(), pos)
	_ = posTx.SignInput(0, validator)

	b.Txs = append([]*Transaction{NewRewardTx(false, index, prevHash, miner.Address(), b.PowReward), posTx}, txs...)

	SolveBlock(b, TestPowParams, b.Difficulty)

	return b
}
