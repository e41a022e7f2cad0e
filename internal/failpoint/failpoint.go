// Package failpoint provides compile-time-gated injection points used by
// the merge pipeline's crash-recovery tests. Hit returns true (and may be
// configured to return an error or os.Exit) only when built with the
// manifold_failpoints tag; in ordinary builds release.go's no-op stub
// compiles instead and Hit always returns false, so the pipeline carries no
// runtime cost in release builds.
package failpoint

// Action is what a hit failpoint should do.
type Action int

const (
	// ActionNone lets the caller continue; only observability (e.g. tests
	// recording that the point was reached).
	ActionNone Action = iota
	// ActionError tells the caller to return an error at this point.
	ActionError
	// ActionCrash tells the caller to simulate a crash: os.Exit without
	// running any deferred cleanup, to test crash recovery.
	ActionCrash
)
