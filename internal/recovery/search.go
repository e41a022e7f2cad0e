package recovery

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bobisme/manifold/internal/objstore"
)

const contextLines = 2

// SnippetLine is one line of context around a search hit.
type SnippetLine struct {
	Line    int    `json:"line"`
	Text    string `json:"text"`
	IsMatch bool   `json:"is_match"`
}

// Hit is one match, carrying full provenance back to the recovery snapshot
// it came from.
type Hit struct {
	RefName   string        `json:"ref_name"`
	Workspace string        `json:"workspace"`
	Timestamp string        `json:"timestamp"`
	OID       string        `json:"oid"`
	OIDShort  string        `json:"oid_short"`
	Path      string        `json:"path"`
	Line      int           `json:"line"`
	Snippet   []SnippetLine `json:"snippet"`
}

// SearchResult is the stable JSON schema spec.md §6 describes for
// `ws recover --search`.
type SearchResult struct {
	Pattern         string   `json:"pattern"`
	WorkspaceFilter string   `json:"workspace_filter,omitempty"`
	RefFilter       string   `json:"ref_filter,omitempty"`
	ScannedRefs     int      `json:"scanned_refs"`
	HitCount        int      `json:"hit_count"`
	Truncated       bool     `json:"truncated"`
	Hits            []Hit    `json:"hits"`
	Advice          []string `json:"advice"`
}

// Search iterates recovery refs in deterministic name order, scanning each
// snapshot tree's blobs for pattern as a plain substring. workspaceFilter
// and refFilter, when non-empty, narrow the refs scanned. Binary blobs are
// skipped. Truncation at maxHits is deterministic: refs and paths are always
// visited in the same order, so a repeated search over unchanged state
// always truncates at the same hit.
func Search(store *objstore.Store, pattern, workspaceFilter, refFilter string, maxHits int) (*SearchResult, error) {
	refs, err := store.ListRefs(objstore.RecoveryRefPrefix)
	if err != nil {
		return nil, fmt.Errorf("list recovery refs: %w", err)
	}

	result := &SearchResult{
		Pattern:         pattern,
		WorkspaceFilter: workspaceFilter,
		RefFilter:       refFilter,
		Advice:          []string{},
	}

refs:
	for _, ref := range refs {
		wsName, ts, ok := parseRecoveryRef(ref.Name)
		if !ok {
			continue
		}
		if workspaceFilter != "" && wsName != workspaceFilter {
			continue
		}
		if refFilter != "" && ref.Name != refFilter {
			continue
		}
		result.ScannedRefs++

		entries, err := store.TreeEntries(ref.OID)
		if err != nil {
			continue
		}
		for _, e := range entries {
			content, err := store.ReadBlob(e.Digest)
			if err != nil || bytes.ContainsRune(content, 0) {
				continue
			}
			lines := strings.Split(string(content), "\n")
			for i, line := range lines {
				if !strings.Contains(line, pattern) {
					continue
				}
				if result.HitCount >= maxHits {
					result.Truncated = true
					break refs
				}
				result.Hits = append(result.Hits, Hit{
					RefName:   ref.Name,
					Workspace: wsName,
					Timestamp: ts,
					OID:       ref.OID,
					OIDShort:  shortOID(ref.OID),
					Path:      e.Path,
					Line:      i + 1,
					Snippet:   snippetAround(lines, i),
				})
				result.HitCount++
			}
		}
	}

	switch {
	case result.HitCount == 0:
		result.Advice = append(result.Advice, "no matches found in any recovery snapshot")
	case result.Truncated:
		result.Advice = append(result.Advice, fmt.Sprintf("truncated at %d hits; narrow the pattern or pass a workspace/ref filter to see more", maxHits))
	}
	return result, nil
}

func snippetAround(lines []string, i int) []SnippetLine {
	start := i - contextLines
	if start < 0 {
		start = 0
	}
	end := i + contextLines
	if end >= len(lines) {
		end = len(lines) - 1
	}
	snippet := make([]SnippetLine, 0, end-start+1)
	for j := start; j <= end; j++ {
		snippet = append(snippet, SnippetLine{Line: j + 1, Text: lines[j], IsMatch: j == i})
	}
	return snippet
}

func parseRecoveryRef(name string) (workspace, timestamp string, ok bool) {
	rest := strings.TrimPrefix(name, objstore.RecoveryRefPrefix)
	if rest == name {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func shortOID(oid string) string {
	if len(oid) <= 12 {
		return oid
	}
	return oid[:12]
}
