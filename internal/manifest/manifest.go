// Package manifest builds and compares content-hash inventories of a
// workspace's tracked files, used both to freeze a Patch-Set from disk and
// to compute the three user-delta artefacts preserve-replay needs.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bobisme/manifold/internal/ignore"
)

// EntryType distinguishes the three kinds of filesystem entry a manifest
// tracks.
type EntryType string

const (
	EntryTypeFile    EntryType = "file"
	EntryTypeDir     EntryType = "dir"
	EntryTypeSymlink EntryType = "symlink"
)

// FileEntry represents a single tracked entry in the manifest.
type FileEntry struct {
	Path       string    `json:"path"`
	Type       EntryType `json:"type"`
	Hash       string    `json:"hash,omitempty"`       // empty for dirs
	Size       int64     `json:"size,omitempty"`
	Mode       uint32    `json:"mode"`
	ModTime    int64     `json:"mod_time,omitempty"`
	LinkTarget string    `json:"link_target,omitempty"` // only for symlinks
}

// Manifest represents a complete workspace snapshot.
type Manifest struct {
	Version string      `json:"version"`
	Files   []FileEntry `json:"files"`
}

// FileEntries returns the regular-file entries.
func (m *Manifest) FileEntries() []FileEntry {
	return m.entriesOfType(EntryTypeFile)
}

// SymlinkEntries returns the symlink entries.
func (m *Manifest) SymlinkEntries() []FileEntry {
	return m.entriesOfType(EntryTypeSymlink)
}

// DirEntries returns the directory entries (tracked only so empty
// directories survive a round-trip; they carry no hash).
func (m *Manifest) DirEntries() []FileEntry {
	return m.entriesOfType(EntryTypeDir)
}

func (m *Manifest) entriesOfType(t EntryType) []FileEntry {
	var out []FileEntry
	for _, f := range m.Files {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// HashFile computes the SHA-256 hash of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the SHA-256 hash of content already in memory.
func HashBytes(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// Generate walks root and builds a manifest of every tracked path not
// excluded by the workspace's ignore patterns.
func Generate(root string, includeModTime bool) (*Manifest, error) {
	matcher, err := ignore.LoadFromDir(root)
	if err != nil {
		return nil, err
	}
	return generateWithMatcher(root, matcher, includeModTime)
}

// generateWith walks root like Generate but delegates regular-file hashing
// to hashFn, so callers (GenerateWithCache) can short-circuit hashing for
// files whose stat metadata hasn't changed.
func generateWith(root string, hashFn func(absPath, relPath string, info os.FileInfo) (string, error)) (*Manifest, error) {
	matcher, err := ignore.LoadFromDir(root)
	if err != nil {
		return nil, err
	}
	m := &Manifest{Version: "2", Files: []FileEntry{}}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if matcher.Match(relPath, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			m.Files = append(m.Files, FileEntry{
				Path: relPath, Type: EntryTypeSymlink, LinkTarget: target,
				Hash: HashBytes([]byte(target)), Mode: uint32(info.Mode().Perm()),
			})
		case info.IsDir():
			m.Files = append(m.Files, FileEntry{Path: relPath, Type: EntryTypeDir, Mode: uint32(info.Mode().Perm())})
		default:
			hash, err := hashFn(path, relPath, info)
			if err != nil {
				return err
			}
			m.Files = append(m.Files, FileEntry{
				Path: relPath, Type: EntryTypeFile, Hash: hash,
				Size: info.Size(), Mode: uint32(info.Mode().Perm()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	return m, nil
}

func generateWithMatcher(root string, matcher *ignore.Matcher, includeModTime bool) (*Manifest, error) {
	m := &Manifest{Version: "2", Files: []FileEntry{}}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if matcher.Match(relPath, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entry := FileEntry{
				Path:       relPath,
				Type:       EntryTypeSymlink,
				LinkTarget: target,
				Hash:       HashBytes([]byte(target)),
				Mode:       uint32(info.Mode().Perm()),
			}
			m.Files = append(m.Files, entry)
		case info.IsDir():
			m.Files = append(m.Files, FileEntry{Path: relPath, Type: EntryTypeDir, Mode: uint32(info.Mode().Perm())})
		default:
			hash, err := HashFile(path)
			if err != nil {
				return err
			}
			entry := FileEntry{
				Path: relPath,
				Type: EntryTypeFile,
				Hash: hash,
				Size: info.Size(),
				Mode: uint32(info.Mode().Perm()),
			}
			if includeModTime {
				entry.ModTime = info.ModTime().Unix()
			}
			m.Files = append(m.Files, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	return m, nil
}

// ToJSON converts the manifest to canonical indented JSON.
func (m *Manifest) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Hash computes the SHA-256 hash of the manifest's canonical JSON form.
func (m *Manifest) Hash() (string, error) {
	data, err := m.ToJSON()
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// FromJSON parses a manifest from JSON.
func FromJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Diff compares two manifests and returns added/modified/deleted paths,
// each sorted.
func Diff(base, current *Manifest) (added, modified, deleted []string) {
	baseMap := make(map[string]FileEntry, len(base.Files))
	for _, f := range base.Files {
		baseMap[f.Path] = f
	}
	currentMap := make(map[string]FileEntry, len(current.Files))
	for _, f := range current.Files {
		currentMap[f.Path] = f
	}

	for _, f := range current.Files {
		if baseFile, exists := baseMap[f.Path]; !exists {
			added = append(added, f.Path)
		} else if baseFile.Hash != f.Hash || baseFile.Type != f.Type {
			modified = append(modified, f.Path)
		}
	}
	for _, f := range base.Files {
		if _, exists := currentMap[f.Path]; !exists {
			deleted = append(deleted, f.Path)
		}
	}

	sort.Strings(added)
	sort.Strings(modified)
	sort.Strings(deleted)
	return added, modified, deleted
}

// Get returns the entry at path, if present.
func (m *Manifest) Get(path string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// TotalSize returns the total size of all file entries.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// FileCount returns the number of regular-file entries.
func (m *Manifest) FileCount() int {
	return len(m.FileEntries())
}
