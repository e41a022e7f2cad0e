// Package config manages the on-disk .manifold/ directory: the project-wide
// config shared by every workspace and the XDG global config directory used
// for identity defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobisme/manifold/internal/ignore"
	"github.com/bobisme/manifold/internal/objstore"
)

const (
	ConfigDirName  = ".manifold"
	ConfigFileName = "config.json"
)

// GetGlobalConfigDir returns the global config directory (~/.config/manifold
// or $XDG_CONFIG_HOME/manifold).
func GetGlobalConfigDir() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine home directory: %w", err)
		}
		configHome = filepath.Join(home, ".config")
	}
	configDir := filepath.Join(configHome, "manifold")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}
	return configDir, nil
}

// ProjectConfig is the project-wide configuration stored at
// <repo-root>/.manifold/config.json: the project identity and the
// validation command list every merge pipeline VALIDATE phase runs.
type ProjectConfig struct {
	ProjectID          string   `json:"project_id"`
	DefaultAuthorName  string   `json:"default_author_name,omitempty"`
	DefaultAuthorEmail string   `json:"default_author_email,omitempty"`
	ValidationCommands [][]string `json:"validation_commands,omitempty"`
}

// FindProjectRoot walks up from the current directory to find a
// .manifold/config.json.
func FindProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return FindProjectRootFrom(cwd)
}

// FindProjectRootFrom walks up from start to find a .manifold/config.json.
func FindProjectRootFrom(start string) (string, error) {
	dir := start
	for {
		configPath := filepath.Join(dir, ConfigDirName, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a manifold project (no %s found)", ConfigDirName)
		}
		dir = parent
	}
}

// GetConfigDir returns the .manifold directory path for the current project.
func GetConfigDir() (string, error) {
	root, err := FindProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ConfigDirName), nil
}

// Load reads the project configuration from .manifold/config.json.
func Load() (*ProjectConfig, error) {
	root, err := FindProjectRoot()
	if err != nil {
		return nil, err
	}
	return LoadAt(root)
}

// LoadAt reads the project configuration from a specific repository root.
func LoadAt(root string) (*ProjectConfig, error) {
	configPath := filepath.Join(root, ConfigDirName, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg ProjectConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// SaveAt writes the project configuration to a specific repository root.
func SaveAt(root string, cfg *ProjectConfig) error {
	configDir := filepath.Join(root, ConfigDirName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return objstore.AtomicWriteFile(filepath.Join(configDir, ConfigFileName), data, 0644)
}

// Init creates .manifold/config.json and a default .manifoldignore at root.
// Returns an error if the project is already initialized.
func Init(root, projectID string) error {
	configDir := filepath.Join(root, ConfigDirName)
	if _, err := os.Stat(configDir); err == nil {
		return fmt.Errorf("already initialized: %s exists", configDir)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(configDir, "epochs"), 0755); err != nil {
		return fmt.Errorf("failed to create epochs directory: %w", err)
	}

	cfg := &ProjectConfig{ProjectID: projectID}
	if err := SaveAt(root, cfg); err != nil {
		return err
	}

	ignorePath := filepath.Join(root, ".manifoldignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(ignore.DefaultFileContents()), 0644); err != nil {
			return fmt.Errorf("failed to write .manifoldignore: %w", err)
		}
	}
	return nil
}

// IsInitialized reports whether the current directory is inside a manifold
// project.
func IsInitialized() bool {
	_, err := FindProjectRoot()
	return err == nil
}

// StatCachePath returns the stat-cache file path for a workspace checkout
// rooted at root.
func StatCachePath(root string) string {
	return filepath.Join(root, ConfigDirName, "statcache.json")
}

// GetMachineID returns a stable-ish per-host identifier, used only for
// diagnostics (recovery ref descriptions); never for coordination.
func GetMachineID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return hostname
}
