package client

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ensureInstanceID returns the id stored at path, creating it on first use.
// When the file cannot be read or written an ephemeral id is returned.
func ensureInstanceID(path string) (string, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return uuid.New().String(), nil // Fallback to ephemeral ID
		}
		path = filepath.Join(homeDir, ".logsink", "id")
	}

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			if _, err := uuid.Parse(id); err == nil {
				return id, nil
			}
		}
	}

	newID := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return newID, err
	}
	if err := os.WriteFile(path, []byte(newID), 0644); err != nil {
		return newID, err
	}
	return newID, nil
}
