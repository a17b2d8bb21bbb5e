package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/bsv-blockchain/go-wire"
	"github.com/hybridpos/vssnode/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxBlockTxs    = 100_000
	maxTxWireSize  = 1 << 20
	blockFixedSize = 8 + 8 + 8 + 4 + 4 + 32 + 8 + 8 + 8
)

// Block is a finalized block once Hash and Nonce are set, a candidate before.
// Txs[0] is the PoW reward transaction and Txs[1] the PoS reward transaction;
// a candidate only carries the PoS reward followed by user transactions.
type Block struct {
	Index        uint64
	Supply       uint64
	CoinBase     uint64
	Difficulty   uint32
	Legitimacy   uint32
	PrevHash     chainhash.Hash
	PosTimestamp int64
	Timestamp    int64
	PowReward    uint64
	Nonce        uint64
	Hash         chainhash.Hash
	Txs          []*Transaction
}

// PowParams are the Argon2id parameters of the proof of work.
type PowParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

func (b *Block) String() string {
	return fmt.Sprintf("#%d %s", b.Index, b.Hash.String())
}

// IsGenesis reports whether b is the first block of the chain.
func (b *Block) IsGenesis() bool {
	return b.Index == 0
}

// Signature is the double sha256 of every consensus field except Hash and
// Nonce. Two nodes agree on a block only if they agree on its signature.
func (b *Block) Signature() chainhash.Hash {
	var buf bytes.Buffer

	_ = b.writeContent(&buf)

	return chainhash.DoubleHashH(buf.Bytes())
}

// ComputeHash returns the proof of work hash of the block for its current nonce.
func (b *Block) ComputeHash(p PowParams) chainhash.Hash {
	return PowHash(b.Signature(), b.Nonce, p)
}

// PowHash is Argon2id over the block signature salted with the nonce.
func PowHash(signature chainhash.Hash, nonce uint64, p PowParams) chainhash.Hash {
	var salt [8]byte

	binary.LittleEndian.PutUint64(salt[:], nonce)

	threads := p.Threads
	if threads == 0 {
		threads = 1
	}

	var h chainhash.Hash

	copy(h[:], argon2.IDKey(signature[:], salt[:], p.Time, p.MemoryKiB, threads, chainhash.HashSize))

	return h
}

// FinalDifficulty adds the legitimacy penalty to the block difficulty.
func (b *Block) FinalDifficulty(penalty uint32) uint32 {
	return b.Difficulty + b.Legitimacy*penalty
}

// MeetsDifficulty checks that hash starts with difficulty/16 zero bits and
// that the following 5 bits, read as a number, are at least difficulty%16.
func MeetsDifficulty(hash chainhash.Hash, difficulty uint32) bool {
	zeros := int(difficulty / 16)
	adjust := difficulty % 16

	if zeros+5 > chainhash.HashSize*8 {
		return false
	}

	bit := func(i int) uint32 {
		return uint32(hash[i/8]>>(7-uint(i%8))) & 1
	}

	for i := 0; i < zeros; i++ {
		if bit(i) != 0 {
			return false
		}
	}

	var next uint32
	for i := zeros; i < zeros+5; i++ {
		next = next<<1 | bit(i)
	}

	return next >= adjust
}

// CheckWork verifies what a finalized block proves without its parent: the
// rewards are bound to its position, its timestamps are ordered and Hash
// meets its own final difficulty, which may not be below minDifficulty. Hash
// is trusted to be the proof of work hash; CheckProof also recomputes it.
func (b *Block) CheckWork(minDifficulty, penalty uint32) error {
	if len(b.Txs) < 2 || !b.Txs[0].IsPowReward() || !b.Txs[1].IsPosReward() {
		return errors.NewBlockInvalidError("block does not start with PoW and PoS rewards")
	}

	for _, tx := range b.Txs[:2] {
		if len(tx.Outputs) != 1 {
			return errors.NewBlockInvalidError("reward has %d outputs", len(tx.Outputs))
		}

		if h, parent := tx.RewardParent(); h != b.Index || parent != b.PrevHash {
			return errors.NewBlockInvalidError("reward is bound to another parent")
		}
	}

	if b.PosTimestamp > b.Timestamp {
		return errors.NewBlockInvalidError("PoS timestamp after the finalization timestamp")
	}

	if b.Difficulty < minDifficulty {
		return errors.NewBlockInvalidError("difficulty %d below the minimum %d", b.Difficulty, minDifficulty)
	}

	if !MeetsDifficulty(b.Hash, b.FinalDifficulty(penalty)) {
		return errors.NewBlockInvalidError("hash does not meet difficulty %d", b.FinalDifficulty(penalty))
	}

	return nil
}

// CheckProof recomputes the proof of work hash and then runs CheckWork.
func (b *Block) CheckProof(p PowParams, minDifficulty, penalty uint32) error {
	if b.ComputeHash(p) != b.Hash {
		return errors.NewBlockInvalidError("hash does not match the proof of work")
	}

	return b.CheckWork(minDifficulty, penalty)
}

// PowRewardTx returns the miner reward transaction of a finalized block.
func (b *Block) PowRewardTx() *Transaction {
	if len(b.Txs) < 2 {
		return nil
	}

	return b.Txs[0]
}

// PosRewardTx returns the validator reward transaction of a finalized block.
func (b *Block) PosRewardTx() *Transaction {
	if len(b.Txs) < 2 {
		return nil
	}

	return b.Txs[1]
}

// UserTxs returns the transactions following the two reward transactions.
func (b *Block) UserTxs() []*Transaction {
	if len(b.Txs) < 2 {
		return nil
	}

	return b.Txs[2:]
}

// ValidatorAddress is the PoS reward address of a finalized block.
func (b *Block) ValidatorAddress() string {
	tx := b.PosRewardTx()
	if tx == nil || len(tx.Outputs) == 0 {
		return ""
	}

	return tx.Outputs[0].Address
}

func (b *Block) Clone() *Block {
	clone := *b
	clone.Txs = make([]*Transaction, len(b.Txs))

	for i, tx := range b.Txs {
		clone.Txs[i] = tx.Clone()
	}

	return &clone
}

func (b *Block) Bytes() []byte {
	var buf bytes.Buffer

	_ = b.writeHeader(&buf)
	_, _ = buf.Write(b.Hash[:])

	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], b.Nonce)
	_, _ = buf.Write(scratch[:])

	_ = b.writeTxs(&buf)

	return buf.Bytes()
}

func (b *Block) writeContent(w io.Writer) error {
	if err := b.writeHeader(w); err != nil {
		return err
	}

	return b.writeTxs(w)
}

func (b *Block) writeHeader(w io.Writer) error {
	var scratch [8]byte

	for _, v := range []uint64{b.Index, b.Supply, b.CoinBase} {
		binary.LittleEndian.PutUint64(scratch[:], v)

		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}
	}

	for _, v := range []uint32{b.Difficulty, b.Legitimacy} {
		binary.LittleEndian.PutUint32(scratch[:4], v)

		if _, err := w.Write(scratch[:4]); err != nil {
			return err
		}
	}

	if _, err := w.Write(b.PrevHash[:]); err != nil {
		return err
	}

	for _, v := range []uint64{uint64(b.PosTimestamp), uint64(b.Timestamp), b.PowReward} {
		binary.LittleEndian.PutUint64(scratch[:], v)

		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}
	}

	return nil
}

func (b *Block) writeTxs(w io.Writer) error {
	if err := wire.WriteVarInt(w, wireProtocolVer, uint64(len(b.Txs))); err != nil {
		return err
	}

	for _, tx := range b.Txs {
		if err := wire.WriteVarBytes(w, wireProtocolVer, tx.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// NewBlockFromBytes decodes a block. Decoding never trusts the embedded hash;
// callers recompute it.
func NewBlockFromBytes(blockBytes []byte) (*Block, error) {
	if len(blockBytes) < blockFixedSize+chainhash.HashSize+8 {
		return nil, errors.NewBlockInvalidError("block is too short: %d bytes", len(blockBytes))
	}

	r := bytes.NewReader(blockBytes)
	b := &Block{}

	var scratch [8]byte

	read64 := func() uint64 {
		_, _ = io.ReadFull(r, scratch[:])
		return binary.LittleEndian.Uint64(scratch[:])
	}

	read32 := func() uint32 {
		_, _ = io.ReadFull(r, scratch[:4])
		return binary.LittleEndian.Uint32(scratch[:4])
	}

	b.Index = read64()
	b.Supply = read64()
	b.CoinBase = read64()
	b.Difficulty = read32()
	b.Legitimacy = read32()
	_, _ = io.ReadFull(r, b.PrevHash[:])
	b.PosTimestamp = int64(read64())
	b.Timestamp = int64(read64())
	b.PowReward = read64()
	_, _ = io.ReadFull(r, b.Hash[:])
	b.Nonce = read64()

	txCount, err := wire.ReadVarInt(r, wireProtocolVer)
	if err != nil {
		return nil, errors.NewBlockInvalidError("failed to read tx count", err)
	}

	if txCount > maxBlockTxs {
		return nil, errors.NewBlockInvalidError("too many transactions: %d", txCount)
	}

	b.Txs = make([]*Transaction, 0, txCount)

	for i := uint64(0); i < txCount; i++ {
		txBytes, err := wire.ReadVarBytes(r, wireProtocolVer, maxTxWireSize, "tx")
		if err != nil {
			return nil, errors.NewBlockInvalidError("failed to read tx %d", i, err)
		}

		tx, err := NewTransactionFromBytes(txBytes)
		if err != nil {
			return nil, errors.NewBlockInvalidError("failed to decode tx %d", i, err)
		}

		b.Txs = append(b.Txs, tx)
	}

	if r.Len() != 0 {
		return nil, errors.NewBlockInvalidError("%d trailing bytes after block", r.Len())
	}

	return b, nil
}
