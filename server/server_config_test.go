package server

import (
	"testing"

	"github.com/jonchun/shellpure/purifier"
	"github.com/jonchun/shellpure/remote"
	"github.com/jonchun/shellpure/report"
)

func TestNewCore_DefaultValues(t *testing.T) {
	core := NewCore(nil, newFakeRunner(), nil)

	if got, want := core.DefaultTimeout, 30; got != want {
		t.Fatalf("DefaultTimeout = %d, want %d", got, want)
	}
	if got, want := core.MaxOutputBytes, report.DefaultMaxBytes; got != want {
		t.Fatalf("MaxOutputBytes = %d, want %d", got, want)
	}
	if got, want := core.MaxScriptBytes, int64(remote.DefaultMaxScriptBytes); got != want {
		t.Fatalf("MaxScriptBytes = %d, want %d", got, want)
	}
	if got, want := core.Options.Seed, purifier.DefaultOptions().Seed; got != want {
		t.Fatalf("Options.Seed = %d, want %d", got, want)
	}
}

func TestNewCore_WithOptions(t *testing.T) {
	opts := purifier.DefaultOptions()
	opts.DeterminismPolicy = purifier.Substitute
	core := NewCore(nil, newFakeRunner(), nil,
		WithDefaultTimeout(60),
		WithMaxOutputBytes(1024),
		WithMaxScriptBytes(100),
		WithOptions(opts),
	)

	if got, want := core.DefaultTimeout, 60; got != want {
		t.Fatalf("DefaultTimeout = %d, want %d", got, want)
	}
	if got, want := core.MaxOutputBytes, 1024; got != want {
		t.Fatalf("MaxOutputBytes = %d, want %d", got, want)
	}
	if got, want := core.MaxScriptBytes, int64(100); got != want {
		t.Fatalf("MaxScriptBytes = %d, want %d", got, want)
	}
	if got, want := core.Options.DeterminismPolicy, purifier.Substitute; got != want {
		t.Fatalf("Options.DeterminismPolicy = %v, want %v", got, want)
	}
}

func TestOptionsOverrides(t *testing.T) {
	core := NewCore(nil, nil, nil)
	yes := true
	opts, err := core.options(PolicyInput{
		DeterminismPolicy:      "substitute",
		QuotePolicy:            "minimal",
		OnUnsafe:               "warn",
		InjectPermissionChecks: &yes,
	})
	if err != nil {
		t.Fatal(err)
	}
	if opts.DeterminismPolicy != purifier.Substitute || opts.QuotePolicy != purifier.Minimal ||
		opts.OnUnsafe != purifier.Warn || !opts.InjectPermissionChecks {
		t.Fatalf("options() = %+v", opts)
	}
	if core.Options.DeterminismPolicy != purifier.Reject {
		t.Fatal("options() modified the server defaults")
	}

	for _, in := range []PolicyInput{{DeterminismPolicy: "maybe"}, {QuotePolicy: "loose"}, {OnUnsafe: "ignore"}} {
		if _, err := core.options(in); err == nil {
			t.Fatalf("options(%+v) expected error", in)
		}
	}
}
