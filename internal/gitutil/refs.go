package gitutil

import (
	"fmt"
	"strings"
)

// RefEntry is one (name, oid) pair returned by ListRefs.
type RefEntry struct {
	Name string
	OID  string
}

// ListRefs returns every ref under prefix, sorted lexicographically by name
// (for-each-ref's default order).
func ListRefs(g Env, prefix string) ([]RefEntry, error) {
	cmd := g.Command("for-each-ref", "--format=%(refname) %(objectname)", prefix)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list_refs %s: %w", prefix, err)
	}
	var refs []RefEntry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		sp := strings.LastIndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		refs = append(refs, RefEntry{Name: line[:sp], OID: line[sp+1:]})
	}
	return refs, nil
}

// DeleteRefRaw deletes ref unconditionally (no CAS), used for GC.
func DeleteRefRaw(g Env, ref string) error {
	cmd := g.Command("update-ref", "-d", ref)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("delete_ref %s: %s", ref, strings.TrimSpace(string(out)))
	}
	return nil
}
