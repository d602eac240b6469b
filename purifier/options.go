package purifier

import (
	"fmt"

	"github.com/jonchun/shellpure/manifest"
)

// DeterminismPolicy selects what happens to constructs whose value changes
// between runs.
type DeterminismPolicy int

const (
	// Reject fails with ErrUnresolvableNonDeterminism.
	Reject DeterminismPolicy = iota
	// Substitute replaces the construct with a fixed value and records a fix.
	Substitute
)

func (p DeterminismPolicy) String() string {
	if p == Substitute {
		return "substitute"
	}
	return "reject"
}

// QuotePolicy selects which expansions are quoted.
type QuotePolicy int

const (
	// Strict quotes expansions in arguments, redirection targets, assignment
	// values and case subjects.
	Strict QuotePolicy = iota
	// Minimal quotes arguments and redirection targets only and leaves the
	// numeric specials $?, $#, $! and $- bare.
	Minimal
)

func (p QuotePolicy) String() string {
	if p == Minimal {
		return "minimal"
	}
	return "strict"
}

// UnsafePolicy selects what happens when a rule cannot make a construct safe.
type UnsafePolicy int

const (
	// Abort returns the *PurifyError.
	Abort UnsafePolicy = iota
	// Warn leaves the construct, records a warning and marks the program
	// best-effort.
	Warn
)

func (p UnsafePolicy) String() string {
	if p == Warn {
		return "warn"
	}
	return "abort"
}

type Options struct {
	DeterminismPolicy DeterminismPolicy
	QuotePolicy       QuotePolicy
	OnUnsafe          UnsafePolicy

	// InjectPermissionChecks inserts a writability guard before every
	// filesystem mutation with a known target.
	InjectPermissionChecks bool

	// Values substituted for $RANDOM, $$ and the clock under Substitute.
	Seed      int64
	ProcessID int
	Epoch     int64

	// Registry describes side-effecting commands. nil uses manifest.Default.
	Registry manifest.Registry
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		DeterminismPolicy: Reject,
		QuotePolicy:       Strict,
		OnUnsafe:          Abort,
		Seed:              42,
		ProcessID:         1,
	}
}

// ParseDeterminismPolicy accepts "reject" or "substitute".
func ParseDeterminismPolicy(s string) (DeterminismPolicy, error) {
	switch s {
	case "reject":
		return Reject, nil
	case "substitute":
		return Substitute, nil
	}
	return Reject, fmt.Errorf("unknown determinism policy %q (want reject or substitute)", s)
}

// ParseQuotePolicy accepts "strict" or "minimal".
func ParseQuotePolicy(s string) (QuotePolicy, error) {
	switch s {
	case "strict":
		return Strict, nil
	case "minimal":
		return Minimal, nil
	}
	return Strict, fmt.Errorf("unknown quote policy %q (want strict or minimal)", s)
}

// ParseUnsafePolicy accepts "abort" or "warn".
func ParseUnsafePolicy(s string) (UnsafePolicy, error) {
	switch s {
	case "abort":
		return Abort, nil
	case "warn":
		return Warn, nil
	}
	return Abort, fmt.Errorf("unknown unsafe policy %q (want abort or warn)", s)
}
