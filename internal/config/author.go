package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

const authorFileName = "author.json"

// Author represents a commit/committer identity.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// IsEmpty returns true if both name and email are unset.
func (a *Author) IsEmpty() bool {
	return a == nil || (a.Name == "" && a.Email == "")
}

// ResolveAuthor resolves the identity used for commits and captures, in
// priority order: MANIFOLD_AUTHOR_NAME/EMAIL env vars, then the project's
// .manifold/author.json, then the global ~/.config/manifold/author.json,
// then the project config's DefaultAuthorName/Email, finally the OS user.
func ResolveAuthor(root string) Author {
	if name, email, ok := envAuthor(); ok {
		return Author{Name: name, Email: email}
	}
	if a, err := loadAuthorFrom(filepath.Join(root, ConfigDirName, authorFileName)); err == nil && !a.IsEmpty() {
		return *a
	}
	if configDir, err := GetGlobalConfigDir(); err == nil {
		if a, err := loadAuthorFrom(filepath.Join(configDir, authorFileName)); err == nil && !a.IsEmpty() {
			return *a
		}
	}
	if cfg, err := LoadAt(root); err == nil && cfg.DefaultAuthorName != "" {
		return Author{Name: cfg.DefaultAuthorName, Email: cfg.DefaultAuthorEmail}
	}
	return osUserAuthor()
}

func envAuthor() (name, email string, ok bool) {
	name = os.Getenv("MANIFOLD_AUTHOR_NAME")
	email = os.Getenv("MANIFOLD_AUTHOR_EMAIL")
	return name, email, name != "" && email != ""
}

func osUserAuthor() Author {
	u, err := user.Current()
	name := "manifold"
	if err == nil && u.Username != "" {
		name = u.Username
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return Author{Name: name, Email: name + "@" + hostname}
}

// SaveProjectAuthor writes the author override to .manifold/author.json in
// root.
func SaveProjectAuthor(root string, a *Author) error {
	return saveAuthorTo(filepath.Join(root, ConfigDirName, authorFileName), a)
}

// SaveGlobalAuthor writes the author override to the global config dir.
func SaveGlobalAuthor(a *Author) error {
	configDir, err := GetGlobalConfigDir()
	if err != nil {
		return err
	}
	return saveAuthorTo(filepath.Join(configDir, authorFileName), a)
}

func loadAuthorFrom(path string) (*Author, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Author{}, nil
		}
		return nil, fmt.Errorf("failed to read author config: %w", err)
	}
	var a Author
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse author config: %w", err)
	}
	return &a, nil
}

func saveAuthorTo(path string, a *Author) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal author config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write author config: %w", err)
	}
	return nil
}
