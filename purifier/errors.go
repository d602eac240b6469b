package purifier

import (
	"fmt"

	"github.com/jonchun/shellpure/ast"
)

type ErrorKind int

const (
	ErrUnresolvableNonDeterminism ErrorKind = iota + 1
	ErrNonIdempotentSideEffect
	ErrUnsupportedConstruct
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnresolvableNonDeterminism:
		return "unresolvable non-determinism"
	case ErrNonIdempotentSideEffect:
		return "non-idempotent side effect"
	case ErrUnsupportedConstruct:
		return "unsupported construct"
	default:
		return "purify error"
	}
}

// PurifyError reports a construct a rule could not rewrite safely.
type PurifyError struct {
	Kind    ErrorKind
	Rule    RuleID
	Message string
	Span    ast.Span
}

func (e *PurifyError) Error() string {
	if e.Span.Start.IsValid() {
		return fmt.Sprintf("%s: %s: %s (%s)", e.Span.Start, e.Rule, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Rule, e.Message, e.Kind)
}
