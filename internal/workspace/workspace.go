// Package workspace implements the workspace manager: named, on-disk
// checkouts over the shared object/ref store, each tracking the epoch it was
// materialised from and a dirty/clean/stale relationship to the current
// epoch.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/bobisme/manifold/internal/config"
	"github.com/bobisme/manifold/internal/manifest"
	"github.com/bobisme/manifold/internal/merrors"
	"github.com/bobisme/manifold/internal/objstore"
)

// DefaultWorkspace is the name of the coordination checkout that always
// exists and is used to materialise post-merge state.
const DefaultWorkspace = "default"

const (
	workspacesSubdir = "workspaces"
	checkoutSubdir   = "ws"
)

var nameRE = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidateName enforces the kebab-case, non-reserved, path-safe naming rule.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("workspace name must not be empty")
	}
	if name == DefaultWorkspace {
		return fmt.Errorf("workspace name %q is reserved", name)
	}
	if !nameRE.MatchString(name) {
		return fmt.Errorf("workspace name %q must be lowercase kebab-case", name)
	}
	return nil
}

// Dir returns the on-disk checkout directory for a workspace name.
func Dir(projectRoot, name string) string {
	return filepath.Join(projectRoot, checkoutSubdir, name)
}

func metaPath(projectRoot, name string) string {
	return filepath.Join(projectRoot, config.ConfigDirName, workspacesSubdir, name+".json")
}

// Meta is the persisted record of one named workspace: everything the
// manager needs without touching the checkout itself.
type Meta struct {
	Name       string    `json:"name"`
	BaseEpoch  string    `json:"base_epoch"`
	Persistent bool      `json:"persistent"`
	CreatedAt  time.Time `json:"created_at"`
}

func loadMeta(projectRoot, name string) (Meta, error) {
	data, err := os.ReadFile(metaPath(projectRoot, name))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("workspace %q does not exist", name)
		}
		return Meta{}, fmt.Errorf("read workspace metadata: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("%w: workspace metadata %s", merrors.ErrStateCorrupt, name)
	}
	return m, nil
}

func saveMeta(projectRoot string, m Meta) error {
	dir := filepath.Dir(metaPath(projectRoot, m.Name))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create workspace metadata dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return objstore.AtomicWriteFile(metaPath(projectRoot, m.Name), data, 0644)
}

// Workspace is an open, locked, named on-disk checkout.
type Workspace struct {
	projectRoot string
	dir         string
	meta        Meta
	store       *objstore.Store
	wsLock      *LockFile
	projectLock *LockFile
}

// Root returns the workspace's on-disk checkout directory.
func (ws *Workspace) Root() string { return ws.dir }

// ProjectRoot returns the project root the workspace was opened under.
func (ws *Workspace) ProjectRoot() string { return ws.projectRoot }

// Name returns the workspace name.
func (ws *Workspace) Name() string { return ws.meta.Name }

// BaseEpoch returns the commit digest the checkout was last materialised
// from (or synced to).
func (ws *Workspace) BaseEpoch() string { return ws.meta.BaseEpoch }

// Persistent reports whether the workspace survives across merges that
// request destroy-after-merge for their sources.
func (ws *Workspace) Persistent() bool { return ws.meta.Persistent }

// Store returns the object store adapter scoped to this workspace's index
// and work tree.
func (ws *Workspace) Store() *objstore.Store { return ws.store }

// StatCachePath returns this workspace's stat-cache file path.
func (ws *Workspace) StatCachePath() string { return config.StatCachePath(ws.dir) }

func openStore(projectRoot, checkoutDir string) *objstore.Store {
	indexFile := filepath.Join(checkoutDir, config.ConfigDirName, "index")
	return objstore.Open(projectRoot, checkoutDir, indexFile)
}

// Create materialises a new workspace named name from fromEpoch. It fails if
// name already exists, is reserved, or is not path-safe. Any partial on-disk
// state is removed before returning an error.
func Create(projectRoot, name, fromEpoch string, persistent bool) (ws *Workspace, err error) {
	if verr := ValidateName(name); verr != nil {
		return nil, verr
	}
	return create(projectRoot, name, fromEpoch, persistent)
}

// CreateDefault materialises the reserved default workspace. Only
// `manifold init` should call this; every other caller goes through Create,
// which refuses the reserved name.
func CreateDefault(projectRoot, fromEpoch string) (*Workspace, error) {
	return create(projectRoot, DefaultWorkspace, fromEpoch, true)
}

func create(projectRoot, name, fromEpoch string, persistent bool) (ws *Workspace, err error) {
	if _, statErr := os.Stat(metaPath(projectRoot, name)); statErr == nil {
		return nil, fmt.Errorf("workspace %q already exists", name)
	}

	dir := Dir(projectRoot, name)
	if _, statErr := os.Stat(dir); statErr == nil {
		return nil, fmt.Errorf("workspace checkout directory %s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
			os.Remove(metaPath(projectRoot, name))
		}
	}()

	projectLock, err := AcquireProjectSharedLock(projectRoot)
	if err != nil {
		return nil, err
	}
	wsLock, err := AcquireWorkspaceLock(dir)
	if err != nil {
		projectLock.Release()
		return nil, err
	}

	store := openStore(projectRoot, dir)
	tree, err := store.TreeAt(fromEpoch)
	if err != nil {
		wsLock.Release()
		projectLock.Release()
		return nil, fmt.Errorf("resolve tree for epoch %s: %w", fromEpoch, err)
	}
	if err := store.Materialise(tree, dir); err != nil {
		wsLock.Release()
		projectLock.Release()
		return nil, fmt.Errorf("materialise workspace %s: %w", name, err)
	}

	meta := Meta{Name: name, BaseEpoch: fromEpoch, Persistent: persistent, CreatedAt: time.Now()}
	if err := saveMeta(projectRoot, meta); err != nil {
		wsLock.Release()
		projectLock.Release()
		return nil, err
	}

	return &Workspace{projectRoot: projectRoot, dir: dir, meta: meta, store: store, wsLock: wsLock, projectLock: projectLock}, nil
}

// Open loads and locks an existing workspace by name.
func Open(projectRoot, name string) (*Workspace, error) {
	meta, err := loadMeta(projectRoot, name)
	if err != nil {
		return nil, err
	}
	dir := Dir(projectRoot, name)

	projectLock, err := AcquireProjectSharedLock(projectRoot)
	if err != nil {
		return nil, err
	}
	wsLock, err := AcquireWorkspaceLock(dir)
	if err != nil {
		projectLock.Release()
		return nil, err
	}

	return &Workspace{
		projectRoot: projectRoot,
		dir:         dir,
		meta:        meta,
		store:       openStore(projectRoot, dir),
		wsLock:      wsLock,
		projectLock: projectLock,
	}, nil
}

// Close releases the locks held by an open workspace.
func (ws *Workspace) Close() error {
	if ws.wsLock != nil {
		ws.wsLock.Release()
		ws.wsLock = nil
	}
	if ws.projectLock != nil {
		ws.projectLock.Release()
		ws.projectLock = nil
	}
	return nil
}

// List returns the metadata of every named workspace, sorted by name.
func List(projectRoot string) ([]Meta, error) {
	dir := filepath.Join(projectRoot, config.ConfigDirName, workspacesSubdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var out []Meta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		m, err := loadMeta(projectRoot, name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Status is the clean/dirty/stale classification of a workspace.
type Status struct {
	Clean        bool
	StaleVsEpoch bool // the workspace's base epoch is no longer the current epoch
	ChangedPaths []string
}

// GetStatus reports whether ws has uncommitted on-disk changes relative to
// its base epoch, and whether the current epoch has advanced past it.
func GetStatus(ws *Workspace, currentEpoch string) (Status, error) {
	baseTree, err := ws.store.TreeAt(ws.meta.BaseEpoch)
	if err != nil {
		return Status{}, fmt.Errorf("resolve base tree: %w", err)
	}
	baseManifest, err := manifestFromTree(ws.store, baseTree)
	if err != nil {
		return Status{}, err
	}
	current, err := manifest.GenerateWithCache(ws.dir, ws.StatCachePath(), ws.meta.BaseEpoch)
	if err != nil {
		return Status{}, fmt.Errorf("scan workspace: %w", err)
	}
	added, modified, deleted := manifest.Diff(baseManifest, current)
	changed := append(append(append([]string{}, added...), modified...), deleted...)
	sort.Strings(changed)

	stale := currentEpoch != "" && currentEpoch != ws.meta.BaseEpoch
	return Status{Clean: len(changed) == 0, StaleVsEpoch: stale, ChangedPaths: changed}, nil
}

func manifestFromTree(store *objstore.Store, tree string) (*manifest.Manifest, error) {
	entries, err := store.TreeEntries(tree)
	if err != nil {
		return nil, fmt.Errorf("list tree %s: %w", tree, err)
	}
	m := &manifest.Manifest{Version: "2"}
	dirs := map[string]bool{}
	for _, e := range entries {
		content, err := store.ReadBlob(e.Digest)
		if err != nil {
			return nil, fmt.Errorf("read blob for %s: %w", e.Path, err)
		}
		m.Files = append(m.Files, manifest.FileEntry{
			Path: e.Path,
			Type: manifest.EntryTypeFile,
			Hash: manifest.HashBytes(content),
		})
		for d := filepath.Dir(e.Path); d != "."; d = filepath.Dir(d) {
			dirs[d] = true
		}
	}
	for d := range dirs {
		m.Files = append(m.Files, manifest.FileEntry{Path: d, Type: manifest.EntryTypeDir})
	}
	return m, nil
}

// AdvanceBaseEpoch records newEpoch as ws's base epoch without touching the
// checkout or checking for a clean status: the caller (preserve-replay) has
// already reconciled the working copy onto newEpoch itself.
func (ws *Workspace) AdvanceBaseEpoch(newEpoch string) error {
	ws.meta.BaseEpoch = newEpoch
	return saveMeta(ws.projectRoot, ws.meta)
}

// Sync advances ws's base epoch to currentEpoch and re-materialises its
// checkout. It refuses if the workspace has uncommitted changes.
func Sync(ws *Workspace, currentEpoch string) error {
	st, err := GetStatus(ws, currentEpoch)
	if err != nil {
		return err
	}
	if !st.Clean {
		return fmt.Errorf("workspace %q has uncommitted changes, refusing to sync: %v", ws.meta.Name, st.ChangedPaths)
	}
	tree, err := ws.store.TreeAt(currentEpoch)
	if err != nil {
		return fmt.Errorf("resolve tree for epoch %s: %w", currentEpoch, err)
	}
	if err := ws.store.Materialise(tree, ws.dir); err != nil {
		return fmt.Errorf("materialise workspace %s: %w", ws.meta.Name, err)
	}
	ws.meta.BaseEpoch = currentEpoch
	return saveMeta(ws.projectRoot, ws.meta)
}

// Destroy removes a workspace's on-disk checkout and metadata. It refuses
// unless capturedRef names a recovery ref that already exists in the store
// -- there is no best-effort destroy-anyway path.
func Destroy(store *objstore.Store, projectRoot, name, capturedRef string) error {
	if name == DefaultWorkspace {
		return fmt.Errorf("cannot destroy the default workspace")
	}
	if capturedRef == "" {
		return fmt.Errorf("%w: destroy refused, no recovery capture pinned for %q", merrors.ErrCaptureFailed, name)
	}
	oid, err := store.ReadRef(capturedRef)
	if err != nil {
		return fmt.Errorf("check recovery ref: %w", err)
	}
	if oid == "" {
		return fmt.Errorf("%w: recovery ref %s does not exist", merrors.ErrCaptureFailed, capturedRef)
	}

	if _, err := loadMeta(projectRoot, name); err != nil {
		return err
	}
	if err := os.RemoveAll(Dir(projectRoot, name)); err != nil {
		return fmt.Errorf("remove workspace checkout: %w", err)
	}
	if err := os.Remove(metaPath(projectRoot, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove workspace metadata: %w", err)
	}
	return nil
}

// Exec runs argv with its working directory set to ws's checkout. It never
// performs an implicit snapshot or status scan; the caller decides whether
// to inspect the workspace afterward.
func Exec(ws *Workspace, argv []string, stdout, stderr *os.File) error {
	if len(argv) == 0 {
		return fmt.Errorf("exec: empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws.dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("exec %v: %w", argv, err)
	}
	return nil
}
