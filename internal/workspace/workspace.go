package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns per-repository checkout directories under a common root.
// Unlike ephemeral build sandboxes, these directories persist between
// cycles so incremental fetches stay cheap.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Dir returns the checkout directory for a repository identifier without
// creating or clearing it.
func (m *Manager) Dir(identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	return filepath.Join(m.root, identifier), nil
}

// Exists reports whether a checkout is already present.
func (m *Manager) Exists(identifier string) bool {
	dir, err := m.Dir(identifier)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Reset clears a checkout so the next sync performs a fresh clone.
func (m *Manager) Reset(identifier string) (string, error) {
	dir, err := m.Dir(identifier)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes a repository's checkout entirely, refusing paths that
// escape the configured root.
func (m *Manager) Remove(identifier string) error {
	dir, err := m.Dir(identifier)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove path outside workspace root")
	}
	return os.RemoveAll(dir)
}
