package model

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/errors"
)

// Anchor locates an output: the height of the block that created it, the id
// of the creating transaction and the output index.
type Anchor struct {
	Height uint64
	TxID   chainhash.Hash
	Index  uint32
}

// IsZero reports the marker anchor used by reward inputs.
func (a Anchor) IsZero() bool {
	return a == Anchor{}
}

func (a Anchor) String() string {
	return fmt.Sprintf("%d:%s:%d", a.Height, a.TxID.String(), a.Index)
}

// Less orders anchors by height, then tx id, then index.
func (a Anchor) Less(b Anchor) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}

	if c := bytes.Compare(a.TxID[:], b.TxID[:]); c != 0 {
		return c < 0
	}

	return a.Index < b.Index
}

func NewAnchorFromString(s string) (Anchor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Anchor{}, errors.NewInvalidArgumentError("anchor %q must have 3 parts", s)
	}

	height, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Anchor{}, errors.NewInvalidArgumentError("anchor %q has invalid height", s, err)
	}

	txID, err := chainhash.NewHashFromStr(parts[1])
	if err != nil {
		return Anchor{}, errors.NewInvalidArgumentError("anchor %q has invalid tx id", s, err)
	}

	index, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Anchor{}, errors.NewInvalidArgumentError("anchor %q has invalid index", s, err)
	}

	return Anchor{Height: height, TxID: *txID, Index: uint32(index)}, nil
}

// Rule is the spend rule of an output.
type Rule uint8

const (
	// RuleSig outputs are spent with a signature of the address owner.
	RuleSig Rule = 1
	// RuleStake outputs are spent like RuleSig and also enter the spectrum.
	RuleStake Rule = 2
)

func (r Rule) Valid() bool {
	return r == RuleSig || r == RuleStake
}

func (r Rule) String() string {
	switch r {
	case RuleSig:
		return "sig"
	case RuleStake:
		return "stake"
	default:
		return fmt.Sprintf("rule(%d)", uint8(r))
	}
}

// UTXO is an unspent output together with its anchor.
type UTXO struct {
	Anchor  Anchor
	Address string
	Amount  uint64
	Rule    Rule
}

// TxRef points at a transaction of the canonical chain.
type TxRef struct {
	Height uint64
	TxID   chainhash.Hash
}

// StakeRef is a stake forming output as the spectrum sees it.
type StakeRef struct {
	Address string
	Anchor  Anchor
	Amount  uint64
}
