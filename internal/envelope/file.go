package envelope

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Filename returns the canonical filename for an envelope: {id}.json
func (e *UpdateEnvelope) Filename() string {
	return fmt.Sprintf("%s.json", e.ID)
}

// ReadFile reads and validates an envelope stored as a JSON file.
func ReadFile(path string) (*UpdateEnvelope, error) {
	// #nosec G304 - path comes from a watched directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope file %s: %w", path, err)
	}

	env, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope file %s: %w", path, err)
	}
	return env, nil
}

// WriteFile writes an envelope to dir/{id}.json with pretty-printed formatting.
// The file is written to a temporary name first and renamed, so a watcher on
// dir never observes a partially written envelope.
func WriteFile(dir string, e *UpdateEnvelope) (string, error) {
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid envelope: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create envelope directory: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope %s: %w", e.ID, err)
	}

	path := filepath.Join(dir, e.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write envelope file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to move envelope file into place: %w", err)
	}

	return path, nil
}
