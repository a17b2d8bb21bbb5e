// Package cpuminer searches nonces for a finalized block on the CPU.
package cpuminer

import (
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/model"
)

// Solution is a nonce whose PoW hash meets the target.
type Solution struct {
	Nonce uint64
	Hash  chainhash.Hash
}

// Mine tries count nonces starting at nonce against the block signature.
// It returns the solution if one was found and the number of hashes done.
func Mine(signature chainhash.Hash, p model.PowParams, difficulty uint32, nonce uint64, count int) (*Solution, int) {
	for i := 0; i < count; i++ {
		hash := model.PowHash(signature, nonce, p)

		if model.MeetsDifficulty(hash, difficulty) {
			return &Solution{Nonce: nonce, Hash: hash}, i + 1
		}

		nonce++
	}

	return nil, count
}
