// Package fileid maintains the 128-bit opaque identifiers assigned to
// tracked paths and carried through renames, so the resolve kernel can
// reroute edits across concurrent renames instead of losing them.
package fileid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bobisme/manifold/internal/objstore"
)

// ID is a 128-bit opaque file identifier. The zero value is never assigned
// by New; it is reserved to mean "no identity yet" in call sites that embed
// an ID by value.
type ID [16]byte

// String renders the ID as lowercase hex.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the unassigned zero value.
func (id ID) IsZero() bool { return id == ID{} }

// New generates a fresh random ID. Collisions are cryptographically
// negligible; no uniqueness check is performed against the existing map,
// mirroring how the spec describes the identifier as "opaque" rather than
// sequential.
func New() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("generate file id: %w", err)
	}
	return id, nil
}

// entry is one write-ahead log record. op is "assign" (path gains id) or
// "rename" (path moves from From to Path under the same id).
type entry struct {
	Op   string `json:"op"`
	Path string `json:"path"`
	From string `json:"from,omitempty"`
	ID   string `json:"id"`
}

// Map is the per-repo path -> file-id map. It is read-mostly: lookups and
// assigns happen during PREPARE/BUILD of every merge, so most calls are
// reads.  Updates append to a small write-ahead log file in the same
// directory before the in-memory map is mutated, so a crash mid-update
// leaves a replayable trail rather than a half-written map file.
type Map struct {
	mu   sync.RWMutex
	dir  string
	byPath map[string]ID
}

const (
	snapshotFile = "fileids.json"
	walFile      = "fileids.wal"
)

// Load reads the map file and replays any pending WAL entries on top of it.
// If no map file exists yet, Load returns an empty Map.
func Load(dir string) (*Map, error) {
	m := &Map{dir: dir, byPath: map[string]ID{}}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileid: mkdir %s: %w", dir, err)
	}

	snapPath := filepath.Join(dir, snapshotFile)
	if data, err := os.ReadFile(snapPath); err == nil {
		var raw map[string]string
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("fileid: parse %s: %w", snapPath, err)
		}
		for path, hexID := range raw {
			id, err := parseID(hexID)
			if err != nil {
				return nil, fmt.Errorf("fileid: bad id for %s: %w", path, err)
			}
			m.byPath[path] = id
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("fileid: read %s: %w", snapPath, err)
	}

	walPath := filepath.Join(dir, walFile)
	if data, err := os.ReadFile(walPath); err == nil {
		if err := m.replayWAL(data); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("fileid: read %s: %w", walPath, err)
	}

	// Compact: fold the replayed WAL back into the snapshot so it doesn't
	// grow without bound across many merges.
	if err := m.compact(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) replayWAL(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				break
			}
			break
		}
		id, err := parseID(e.ID)
		if err != nil {
			continue
		}
		switch e.Op {
		case "assign":
			m.byPath[e.Path] = id
		case "rename":
			delete(m.byPath, e.From)
			m.byPath[e.Path] = id
		}
	}
	return nil
}

// Lookup returns the ID assigned to path, if any.
func (m *Map) Lookup(path string) (ID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPath[path]
	return id, ok
}

// Assign ensures path has an identity, creating one if it has none, and
// returns it. The assignment is appended to the WAL before the in-memory
// map is updated.
func (m *Map) Assign(path string) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPath[path]; ok {
		return id, nil
	}
	id, err := New()
	if err != nil {
		return ID{}, err
	}
	if err := m.appendWAL(entry{Op: "assign", Path: path, ID: id.String()}); err != nil {
		return ID{}, err
	}
	m.byPath[path] = id
	return id, nil
}

// Rename moves the identity at from onto to, preserving it across the
// rename. Returns an error if from has no identity.
func (m *Map) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPath[from]
	if !ok {
		return fmt.Errorf("fileid: rename: no identity for %s", from)
	}
	if err := m.appendWAL(entry{Op: "rename", Path: to, From: from, ID: id.String()}); err != nil {
		return err
	}
	delete(m.byPath, from)
	m.byPath[to] = id
	return nil
}

// PathsFor returns every path currently mapped to id, sorted.
func (m *Map) PathsFor(id ID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for p, v := range m.byPath {
		if v == id {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

func (m *Map) appendWAL(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	f, err := os.OpenFile(filepath.Join(m.dir, walFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fileid: open wal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("fileid: append wal: %w", err)
	}
	return f.Sync()
}

// compact rewrites the snapshot file from the current in-memory state and
// truncates the WAL, using the same temp-file-then-rename atomic write used
// everywhere else in this module.
func (m *Map) compact() error {
	raw := make(map[string]string, len(m.byPath))
	for path, id := range m.byPath {
		raw[path] = id.String()
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := objstore.AtomicWriteFile(filepath.Join(m.dir, snapshotFile), data, 0o644); err != nil {
		return fmt.Errorf("fileid: write snapshot: %w", err)
	}
	return os.WriteFile(filepath.Join(m.dir, walFile), nil, 0o644)
}

// Save persists the current state of the map (compacting the WAL).
func (m *Map) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compact()
}

func parseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return ID{}, fmt.Errorf("invalid file id %q", s)
	}
	var id ID
	copy(id[:], b)
	return id, nil
}
