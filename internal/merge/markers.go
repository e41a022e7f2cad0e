package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bobisme/manifold/internal/resolve"
)

// renderConflictMarkers writes one labelled region per side (plus a base
// region when the conflict has one) into a single file body, in the
// snapshot-style scheme described by the spec: every delimiter line uses
// only ASCII characters a JSON string encoder can represent verbatim, so the
// conflicted file can round-trip through a tool-call argument unescaped.
func renderConflictMarkers(c *resolve.Conflict, base []byte, sideContent map[string][]byte) []byte {
	var sb strings.Builder
	names := make([]string, 0, len(c.Sides))
	for _, s := range c.Sides {
		names = append(names, s.Workspace)
	}
	sort.Strings(names)

	fmt.Fprintf(&sb, "<<<<<<< manifold conflict: %s (%s)\n", c.Path, c.Variant.String())
	if base != nil {
		sb.WriteString("||||||| base\n")
		writeNormalized(&sb, base)
	}
	for i, name := range names {
		if i > 0 {
			sb.WriteString("=======\n")
		}
		fmt.Fprintf(&sb, "------- %s\n", name)
		if content, ok := sideContent[name]; ok {
			writeNormalized(&sb, content)
		}
	}
	sb.WriteString(">>>>>>> end\n")
	return []byte(sb.String())
}

func writeNormalized(sb *strings.Builder, content []byte) {
	sb.Write(content)
	if len(content) > 0 && content[len(content)-1] != '\n' {
		sb.WriteByte('\n')
	}
}
