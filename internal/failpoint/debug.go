//go:build manifold_failpoints

package failpoint

import (
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	armed   = map[string]Action{}
	hitLog  []string
)

// Configure arms name with the given action for the current process. Tests
// call this before exercising the pipeline to simulate a crash or error at
// a named phase boundary (FP_<PHASE>_<WHEN>).
func Configure(name string, action Action) {
	mu.Lock()
	defer mu.Unlock()
	armed[name] = action
}

// Hit records that name was reached and applies whatever action tests
// configured for it. ActionCrash calls os.Exit directly, skipping deferred
// cleanup, so the next process start exercises the merge-state file's
// crash-recovery path exactly as a real crash would.
func Hit(name string) bool {
	mu.Lock()
	action, ok := armed[name]
	hitLog = append(hitLog, name)
	mu.Unlock()
	if !ok {
		return false
	}
	switch action {
	case ActionCrash:
		os.Exit(137)
	case ActionError:
		return true
	}
	return false
}

// Hits returns every failpoint name reached so far in this process, in
// order, for assertions in tests.
func Hits() []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, len(hitLog))
	copy(out, hitLog)
	return out
}

// Reset clears armed failpoints and the hit log between test cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	armed = map[string]Action{}
	hitLog = nil
}
