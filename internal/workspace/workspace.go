package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetRequiredDirectories lists the directories every maidel workspace holds
func GetRequiredDirectories() []string {
	return []string{
		"state",  // backend.json, history.db, maidel.sock
		"events", // <session>.ndjson transcripts
		"logs",   // daemon logs when redirected
	}
}

// Initialize creates the workspace directories with 0700 permissions.
// Safe to call repeatedly.
func Initialize(workspaceRoot string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized reports whether every required directory exists
func IsInitialized(workspaceRoot string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// StateDir returns <root>/state
func StateDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, "state")
}

// EventsDir returns <root>/events
func EventsDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, "events")
}
