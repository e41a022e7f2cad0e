package gitutil

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrRefStale is returned by CasRef/CasMulti when the observed current value
// of a ref does not match the expected value supplied by the caller.
var ErrRefStale = fmt.Errorf("ref moved since expected value was read")

// zeroOID is the value update-ref accepts to mean "ref must not exist yet".
const zeroOID = "0000000000000000000000000000000000000000"

// CasRef atomically sets ref to newSHA only if its current value equals
// expectedSHA.  Pass an empty expectedSHA to require that the ref not exist
// yet (a create-only CAS).  Returns ErrRefStale (wrapped) if the ref has
// moved since expectedSHA was observed.
func CasRef(g Env, ref, expectedSHA, newSHA string) error {
	old := expectedSHA
	if old == "" {
		old = zeroOID
	}
	cmd := g.Command("update-ref", ref, newSHA, old)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(output))
	if isRefStaleMessage(msg) {
		return fmt.Errorf("cas_ref %s: %w", ref, ErrRefStale)
	}
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("cas_ref %s: %s", ref, msg)
}

func isRefStaleMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "expected") ||
		strings.Contains(lower, "but expected") ||
		strings.Contains(lower, "already exists") ||
		strings.Contains(lower, "cannot lock ref") ||
		strings.Contains(lower, "stale")
}

// RefUpdate is one entry of a cas_multi transaction.
type RefUpdate struct {
	Name     string
	Expected string // "" means the ref must not exist yet
	New      string
}

// CasMulti atomically applies a set of CAS ref updates using a single
// `git update-ref --stdin` transaction: all updates succeed together or none
// do. This is git's native atomic multi-ref primitive; no extra locking is
// layered on top.
func CasMulti(g Env, updates []RefUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("start\n")
	for _, u := range updates {
		old := u.Expected
		if old == "" {
			old = zeroOID
		}
		fmt.Fprintf(&sb, "update %s %s %s\n", u.Name, u.New, old)
	}
	sb.WriteString("prepare\n")
	sb.WriteString("commit\n")

	cmd := g.Command("update-ref", "--stdin")
	cmd.Stdin = strings.NewReader(sb.String())
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(output))
	if isRefStaleMessage(msg) {
		return fmt.Errorf("cas_multi: %w", ErrRefStale)
	}
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("cas_multi: %s", msg)
}

// ReadRef returns the SHA a ref currently points at, or ("", nil) if the ref
// does not exist.
func ReadRef(g Env, ref string) (string, error) {
	sha, err := RefSHA(g, ref)
	if err == os.ErrNotExist {
		return "", nil
	}
	return sha, err
}

// HashBlob writes content as a blob object (if not already present) and
// returns its digest.
func HashBlob(g Env, content []byte) (string, error) {
	cmd := g.Command("hash-object", "-w", "--stdin")
	cmd.Stdin = strings.NewReader(string(content))
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("hash_blob: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ReadBlob returns the content addressed by digest.
func ReadBlob(g Env, digest string) ([]byte, error) {
	cmd := g.Command("cat-file", "-p", digest)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("read_blob %s: %w", digest, err)
	}
	return out, nil
}

// TreeEntry is one (path, mode, digest) tuple used to build a tree object.
// Path is the entry's path relative to the tree root (may contain slashes;
// BuildTree recursively constructs the intermediate subtrees).
type TreeEntry struct {
	Path   string
	Mode   string // e.g. "100644", "100755", "120000"
	Digest string
}

// BuildTree constructs a tree object (and any intermediate subtrees) from a
// flat set of path entries, using `git mktree` fed in reverse-depth order.
func BuildTree(g Env, entries []TreeEntry) (string, error) {
	root := newTreeNode()
	for _, e := range entries {
		root.insert(strings.Split(e.Path, "/"), e)
	}
	return root.write(g)
}

type treeNode struct {
	entry    *TreeEntry // set on leaves
	children map[string]*treeNode
	order    []string
}

func newTreeNode() *treeNode {
	return &treeNode{children: map[string]*treeNode{}}
}

func (n *treeNode) insert(parts []string, e TreeEntry) {
	if len(parts) == 1 {
		child := newTreeNode()
		entryCopy := e
		child.entry = &entryCopy
		n.addChild(parts[0], child)
		return
	}
	head, rest := parts[0], parts[1:]
	child, ok := n.children[head]
	if !ok {
		child = newTreeNode()
		n.addChild(head, child)
	}
	child.insert(rest, e)
}

func (n *treeNode) addChild(name string, child *treeNode) {
	if _, exists := n.children[name]; !exists {
		n.order = append(n.order, name)
	}
	n.children[name] = child
}

func (n *treeNode) write(g Env) (string, error) {
	var sb strings.Builder
	for _, name := range n.order {
		child := n.children[name]
		if child.entry != nil {
			fmt.Fprintf(&sb, "%s blob %s\t%s\n", child.entry.Mode, child.entry.Digest, name)
			continue
		}
		sha, err := child.write(g)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "040000 tree %s\t%s\n", sha, name)
	}
	cmd := g.Command("mktree")
	cmd.Stdin = strings.NewReader(sb.String())
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("build_tree: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ListTree returns every blob entry reachable under treeish, recursively,
// sorted by path (git's own ls-tree order).
func ListTree(g Env, treeish string) ([]TreeEntry, error) {
	cmd := g.Command("ls-tree", "-r", "-z", treeish)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list_tree %s: %w", treeish, err)
	}
	var entries []TreeEntry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\x00"), "\x00") {
		if line == "" {
			continue
		}
		// "<mode> blob <sha>\t<path>"
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		meta, path := line[:tab], line[tab+1:]
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{Path: path, Mode: fields[0], Digest: fields[2]})
	}
	return entries, nil
}

// Materialise reads tree into the index and writes every file present in
// tree into workdir with its recorded mode, overwriting existing files.
// Nothing is removed: files in workdir that tree does not contain stay on
// disk.
func Materialise(g Env, tree, workdir string) error {
	env := append(os.Environ(), "GIT_INDEX_FILE="+g.IndexFile)

	cmd := exec.Command("git", "--git-dir", g.GitDir(), "--work-tree", workdir,
		"read-tree", tree)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("materialise read-tree: %s", strings.TrimSpace(string(out)))
	}
	checkout := exec.Command("git", "--git-dir", g.GitDir(), "--work-tree", workdir,
		"checkout-index", "-a", "-f")
	checkout.Env = env
	if out, err := checkout.CombinedOutput(); err != nil {
		return fmt.Errorf("materialise checkout-index: %s", strings.TrimSpace(string(out)))
	}
	return nil
}
