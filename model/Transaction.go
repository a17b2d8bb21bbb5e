package model

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/bsv-blockchain/go-wire"
	"github.com/hybridpos/vssnode/errors"
)

const (
	maxWitnessSize  = 1024
	maxAddressSize  = 128
	maxTxElements   = 10_000
	rewardKindPow   = byte(1)
	rewardKindPos   = byte(2)
	rewardDataSize  = 1 + 8 + chainhash.HashSize
	wireProtocolVer = 0
)

type TxInput struct {
	Anchor Anchor
	// Data is only set on reward inputs.
	Data      []byte
	PubKey    []byte
	Signature []byte
}

type TxOutput struct {
	Address string
	Amount  uint64
	Rule    Rule
}

type Transaction struct {
	Inputs  []*TxInput
	Outputs []*TxOutput
}

// NewRewardTx builds a reward transaction. The single input carries the
// reward kind, height and parent hash so reward ids never collide.
func NewRewardTx(pos bool, height uint64, prevHash chainhash.Hash, address string, amount uint64) *Transaction {
	data := make([]byte, rewardDataSize)
	data[0] = rewardKindPow

	if pos {
		data[0] = rewardKindPos
	}

	binary.LittleEndian.PutUint64(data[1:9], height)
	copy(data[9:], prevHash[:])

	return &Transaction{
		Inputs: []*TxInput{{Data: data}},
		Outputs: []*TxOutput{{
			Address: address,
			Amount:  amount,
			Rule:    RuleSig,
		}},
	}
}

// IsReward reports whether tx is a PoW or PoS reward transaction.
func (tx *Transaction) IsReward() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].Anchor.IsZero() && len(tx.Inputs[0].Data) == rewardDataSize
}

func (tx *Transaction) IsPosReward() bool {
	return tx.IsReward() && tx.Inputs[0].Data[0] == rewardKindPos
}

func (tx *Transaction) IsPowReward() bool {
	return tx.IsReward() && tx.Inputs[0].Data[0] == rewardKindPow
}

// RewardParent returns the height and parent hash bound into a reward input.
func (tx *Transaction) RewardParent() (uint64, chainhash.Hash) {
	var prevHash chainhash.Hash
	if !tx.IsReward() {
		return 0, prevHash
	}

	data := tx.Inputs[0].Data
	copy(prevHash[:], data[9:])

	return binary.LittleEndian.Uint64(data[1:9]), prevHash
}

// ID is the double sha256 of the transaction without witnesses. It is also
// the hash every input signature commits to.
func (tx *Transaction) ID() chainhash.Hash {
	var buf bytes.Buffer

	_ = tx.write(&buf, false)

	return chainhash.DoubleHashH(buf.Bytes())
}

func (tx *Transaction) Bytes() []byte {
	var buf bytes.Buffer

	_ = tx.write(&buf, true)

	return buf.Bytes()
}

func (tx *Transaction) Size() int {
	return len(tx.Bytes())
}

// SignInput signs input i with s.
func (tx *Transaction) SignInput(i int, s *Signer) error {
	if i < 0 || i >= len(tx.Inputs) {
		return errors.NewInvalidArgumentError("input %d out of range", i)
	}

	sig, err := s.Sign(tx.ID())
	if err != nil {
		return err
	}

	tx.Inputs[i].PubKey = s.PubKey()
	tx.Inputs[i].Signature = sig

	return nil
}

// SignAll signs every input with s.
func (tx *Transaction) SignAll(s *Signer) error {
	for i := range tx.Inputs {
		if err := tx.SignInput(i, s); err != nil {
			return err
		}
	}

	return nil
}

// OutputsTotal sums the output amounts, failing on overflow.
func (tx *Transaction) OutputsTotal() (uint64, error) {
	var total uint64

	for _, out := range tx.Outputs {
		if total+out.Amount < total {
			return 0, errors.NewTxInvalidError("output amounts overflow")
		}

		total += out.Amount
	}

	return total, nil
}

// CheckShape validates the structure of a transaction without any chain context.
func (tx *Transaction) CheckShape() error {
	if tx == nil {
		return errors.NewTxInvalidError("nil transaction")
	}

	if len(tx.Inputs) == 0 || len(tx.Outputs) == 0 {
		return errors.NewTxInvalidError("transaction needs inputs and outputs")
	}

	for i, out := range tx.Outputs {
		if out == nil {
			return errors.NewTxInvalidError("output %d is nil", i)
		}

		// rewards drop to zero once the supply is exhausted and no fees are paid
		if out.Amount == 0 && !tx.IsReward() {
			return errors.NewTxInvalidError("output %d has zero amount", i)
		}

		if !out.Rule.Valid() {
			return errors.NewTxInvalidError("output %d has unknown rule %s", i, out.Rule)
		}

		if err := ValidateAddress(out.Address); err != nil {
			return errors.NewTxInvalidError("output %d", i, err)
		}
	}

	if tx.IsReward() {
		return nil
	}

	seen := make(map[Anchor]struct{}, len(tx.Inputs))

	for i, in := range tx.Inputs {
		if in == nil || in.Anchor.IsZero() {
			return errors.NewTxInvalidError("input %d has no anchor", i)
		}

		if _, ok := seen[in.Anchor]; ok {
			return errors.NewTxInvalidError("input %d spends %s twice", i, in.Anchor)
		}

		seen[in.Anchor] = struct{}{}
	}

	if _, err := tx.OutputsTotal(); err != nil {
		return err
	}

	return nil
}

func (tx *Transaction) Clone() *Transaction {
	clone := &Transaction{
		Inputs:  make([]*TxInput, len(tx.Inputs)),
		Outputs: make([]*TxOutput, len(tx.Outputs)),
	}

	for i, in := range tx.Inputs {
		c := *in
		c.Data = append([]byte(nil), in.Data...)
		c.PubKey = append([]byte(nil), in.PubKey...)
		c.Signature = append([]byte(nil), in.Signature...)
		clone.Inputs[i] = &c
	}

	for i, out := range tx.Outputs {
		c := *out
		clone.Outputs[i] = &c
	}

	return clone
}

func (tx *Transaction) write(w io.Writer, witness bool) error {
	if err := wire.WriteVarInt(w, wireProtocolVer, uint64(len(tx.Inputs))); err != nil {
		return err
	}

	var scratch [8]byte

	for _, in := range tx.Inputs {
		binary.LittleEndian.PutUint64(scratch[:], in.Anchor.Height)

		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

		if _, err := w.Write(in.Anchor.TxID[:]); err != nil {
			return err
		}

		binary.LittleEndian.PutUint32(scratch[:4], in.Anchor.Index)

		if _, err := w.Write(scratch[:4]); err != nil {
			return err
		}

		if err := wire.WriteVarBytes(w, wireProtocolVer, in.Data); err != nil {
			return err
		}

		if !witness {
			continue
		}

		if err := wire.WriteVarBytes(w, wireProtocolVer, in.PubKey); err != nil {
			return err
		}

		if err := wire.WriteVarBytes(w, wireProtocolVer, in.Signature); err != nil {
			return err
		}
	}

	if err := wire.WriteVarInt(w, wireProtocolVer, uint64(len(tx.Outputs))); err != nil {
		return err
	}

	for _, out := range tx.Outputs {
		if err := wire.WriteVarString(w, wireProtocolVer, out.Address); err != nil {
			return err
		}

		binary.LittleEndian.PutUint64(scratch[:], out.Amount)

		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

		if _, err := w.Write([]byte{byte(out.Rule)}); err != nil {
			return err
		}
	}

	return nil
}

func NewTransactionFromBytes(b []byte) (*Transaction, error) {
	tx, err := readTransaction(bytes.NewReader(b))
	if err != nil {
		return nil, errors.NewTxInvalidError("failed to decode transaction", err)
	}

	return tx, nil
}

func readTransaction(r io.Reader) (*Transaction, error) {
	inputCount, err := wire.ReadVarInt(r, wireProtocolVer)
	if err != nil {
		return nil, err
	}

	if inputCount > maxTxElements {
		return nil, errors.NewTxInvalidError("too many inputs: %d", inputCount)
	}

	tx := &Transaction{Inputs: make([]*TxInput, 0, inputCount)}

	var scratch [8]byte

	for i := uint64(0); i < inputCount; i++ {
		in := &TxInput{}

		if _, err = io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}

		in.Anchor.Height = binary.LittleEndian.Uint64(scratch[:])

		if _, err = io.ReadFull(r, in.Anchor.TxID[:]); err != nil {
			return nil, err
		}

		if _, err = io.ReadFull(r, scratch[:4]); err != nil {
			return nil, err
		}

		in.Anchor.Index = binary.LittleEndian.Uint32(scratch[:4])

		if in.Data, err = wire.ReadVarBytes(r, wireProtocolVer, maxWitnessSize, "data"); err != nil {
			return nil, err
		}

		if in.PubKey, err = wire.ReadVarBytes(r, wireProtocolVer, maxWitnessSize, "pubkey"); err != nil {
			return nil, err
		}

		if in.Signature, err = wire.ReadVarBytes(r, wireProtocolVer, maxWitnessSize, "signature"); err != nil {
			return nil, err
		}

		tx.Inputs = append(tx.Inputs, in)
	}

	outputCount, err := wire.ReadVarInt(r, wireProtocolVer)
	if err != nil {
		return nil, err
	}

	if outputCount > maxTxElements {
		return nil, errors.NewTxInvalidError("too many outputs: %d", outputCount)
	}

	tx.Outputs = make([]*TxOutput, 0, outputCount)

	for i := uint64(0); i < outputCount; i++ {
		out := &TxOutput{}

		address, err := wire.ReadVarBytes(r, wireProtocolVer, maxAddressSize, "address")
		if err != nil {
			return nil, err
		}

		out.Address = string(address)

		if _, err = io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}

		out.Amount = binary.LittleEndian.Uint64(scratch[:])

		if _, err = io.ReadFull(r, scratch[:1]); err != nil {
			return nil, err
		}

		out.Rule = Rule(scratch[0])

		tx.Outputs = append(tx.Outputs, out)
	}

	return tx, nil
}

// VerifyOwnership checks that every input of tx spends an output in spent
// that belongs to the key that signed the input. Reward transactions have no
// owned inputs and are rejected.
func (tx *Transaction) VerifyOwnership(spent map[Anchor]*UTXO) error {
	if tx.IsReward() {
		return errors.NewTxInvalidError("reward transaction cannot spend outputs")
	}

	id := tx.ID()

	for i, in := range tx.Inputs {
		u, ok := spent[in.Anchor]
		if !ok {
			return errors.NewTxMissingInputError("input %d spends unknown output %s", i, in.Anchor)
		}

		if len(in.PubKey) == 0 || AddressFromPubKey(in.PubKey) != u.Address {
			return errors.NewTxInvalidError("input %d is not signed by the owner of %s", i, in.Anchor)
		}

		if !VerifySignature(in.PubKey, in.Signature, id) {
			return errors.NewTxInvalidError("input %d has an invalid signature", i)
		}
	}

	return nil
}
