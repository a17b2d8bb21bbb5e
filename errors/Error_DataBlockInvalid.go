package errors

import (
	"fmt"
	"strings"
)

// DirectiveKind is what the scheduler must do with a rejected block and its sender.
type DirectiveKind uint8

const (
	DirectiveBan DirectiveKind = iota + 1
	DirectiveApplyOffense
	DirectiveStoreForReorg
	DirectiveTriggerReorg
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveBan:
		return "ban"
	case DirectiveApplyOffense:
		return "offense"
	case DirectiveStoreForReorg:
		return "store"
	case DirectiveTriggerReorg:
		return "reorg"
	default:
		return fmt.Sprintf("directive(%d)", uint8(k))
	}
}

// Offense kinds accepted by DirectiveApplyOffense.
const (
	OffenseMinor = "minor"
	OffenseMajor = "major"
)

type Directive struct {
	Kind    DirectiveKind
	Offense string `json:",omitempty"`
}

func Ban() Directive { return Directive{Kind: DirectiveBan} }
func ApplyOffense(kind string) Directive {
	return Directive{Kind: DirectiveApplyOffense, Offense: kind}
}
func StoreForReorg() Directive { return Directive{Kind: DirectiveStoreForReorg} }
func TriggerReorg() Directive  { return Directive{Kind: DirectiveTriggerReorg} }

// BlockInvalidErrData is attached to every ERR_BLOCK_INVALID produced by block digestion.
type BlockInvalidErrData struct {
	Stage      string
	Reason     string
	Directives []Directive
}

func (e *BlockInvalidErrData) Error() string {
	kinds := make([]string, 0, len(e.Directives))
	for _, d := range e.Directives {
		if d.Offense != "" {
			kinds = append(kinds, d.Kind.String()+":"+d.Offense)
		} else {
			kinds = append(kinds, d.Kind.String())
		}
	}

	return fmt.Sprintf("stage %s: %s [%s]", e.Stage, e.Reason, strings.Join(kinds, ","))
}

// Has reports whether the directive set contains kind.
func (e *BlockInvalidErrData) Has(kind DirectiveKind) bool {
	for _, d := range e.Directives {
		if d.Kind == kind {
			return true
		}
	}

	return false
}

// NewBlockRejectedError builds an ERR_BLOCK_INVALID carrying the directives for the scheduler.
func NewBlockRejectedError(stage, reason string, directives ...Directive) error {
	data := &BlockInvalidErrData{
		Stage:      stage,
		Reason:     reason,
		Directives: directives,
	}

	return New(ERR_BLOCK_INVALID, "[%s] %s", stage, reason).WithData(data)
}

// BlockDirectives extracts the directive data from err, if any.
func BlockDirectives(err error) (*BlockInvalidErrData, bool) {
	var data *BlockInvalidErrData
	if AsData(err, &data) {
		return data, true
	}

	return nil, false
}
