package gitutil

import (
	"fmt"
	"strings"
)

// ListIndex returns every entry currently staged in g's index file, in the
// same (path, mode, digest) shape as ListTree.
func ListIndex(g Env) ([]TreeEntry, error) {
	cmd := g.Command("ls-files", "-s", "-z")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list_index: %w", err)
	}
	var entries []TreeEntry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\x00"), "\x00") {
		if line == "" {
			continue
		}
		// "<mode> <sha> <stage>\t<path>"
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		meta, path := line[:tab], line[tab+1:]
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			continue
		}
		entries = append(entries, TreeEntry{Path: path, Mode: fields[0], Digest: fields[1]})
	}
	return entries, nil
}

// StageBlob sets path in g's index to mode/digest, writing the cache entry
// directly rather than through the work tree.
func StageBlob(g Env, path, mode, digest string) error {
	cmd := g.Command("update-index", "--add", "--cacheinfo", fmt.Sprintf("%s,%s,%s", mode, digest, path))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("stage_blob %s: %s", path, strings.TrimSpace(string(out)))
	}
	return nil
}

// UnstageBlob force-removes path from g's index, if present.
func UnstageBlob(g Env, path string) error {
	cmd := g.Command("update-index", "--force-remove", "--", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("unstage_blob %s: %s", path, strings.TrimSpace(string(out)))
	}
	return nil
}
