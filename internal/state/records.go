// Package state persists the application's shared records as JSON files
// under a state directory. Records are the unit other processes of the
// same user observe: every write is atomic, so a reader sees either the
// previous record or the new one, never a torn file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Record names shared across the application.
const (
	// RecordAuth holds the authorization session and credentials.
	RecordAuth = "auth"

	// RecordPreferences holds UI preferences such as the locale.
	RecordPreferences = "preferences"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	recordExt = ".json"
	tmpSuffix = ".tmp"
)

// Records reads and writes named JSON records under a single directory.
type Records struct {
	dir string
}

// Open ensures the state directory exists with owner-only permissions
// and returns a Records handle for it.
func Open(dir string) (*Records, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	return &Records{dir: dir}, nil
}

// Dir returns the directory records are stored in.
func (r *Records) Dir() string {
	return r.dir
}

// Load unmarshals the named record into v. It reports false with a nil
// error when the record does not exist.
func (r *Records) Load(name string, v any) (bool, error) {
	data, err := os.ReadFile(r.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("reading record %q: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding record %q: %w", name, err)
	}

	return true, nil
}

// Save marshals v and replaces the named record atomically: the JSON is
// written to a temporary file in the same directory and renamed over
// the destination.
func (r *Records) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record %q: %w", name, err)
	}

	dst := r.path(name)
	tmp := dst + tmpSuffix

	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("writing record %q: %w", name, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing record %q: %w", name, err)
	}

	return nil
}

// Delete removes the named record. Deleting a record that does not
// exist is not an error.
func (r *Records) Delete(name string) error {
	if err := os.Remove(r.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting record %q: %w", name, err)
	}

	return nil
}

func (r *Records) path(name string) string {
	return filepath.Join(r.dir, name+recordExt)
}
