//go:build !manifold_failpoints

package failpoint

// Hit compiles to an unconditional false with the tag absent; callers write
// `if failpoint.Hit("FP_COMMIT_AFTER_EPOCH_CAS") { ... }` and the branch is
// dead code the compiler can eliminate.
func Hit(name string) bool { return false }

// Configure is a no-op outside debug builds.
func Configure(name string, action Action) {}
