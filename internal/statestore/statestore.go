// Package statestore is the sole gateway to intent state files: creation,
// atomic reads and writes, and rename-on-name-change.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/model"
)

// Namespace is the fixed UUIDv3 namespace used for every intent id.
var Namespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// NewUUID computes the deterministic intent uuid for a trimmed name.
func NewUUID(name string) string {
	return uuid.NewMD5(Namespace, []byte(trimName(name))).String()
}

func trimName(name string) string {
	// Trim surrounding whitespace only; the name's internal characters are
	// significant for the uuid derivation.
	start, end := 0, len(name)
	for start < end && isSpace(name[start]) {
		start++
	}
	for end > start && isSpace(name[end-1]) {
		end--
	}
	return name[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Mutation is applied to a loaded state under Update; it returns an error
// to abort the update without writing anything.
type Mutation func(*model.State) error

// Create builds the initial state shape for a new intent and writes it to
// disk at dir/<kind state file>. dir is created if it does not exist.
func Create(dir string, kind model.Kind, name string, initialFiles []string) (*model.State, error) {
	if !kind.Valid() {
		return nil, errs.New(errs.InvalidState, "unknown intent kind: "+string(kind))
	}

	id := NewUUID(name)
	st := model.NewState(kind, id, name, initialFiles, time.Now().UTC())

	path := filepath.Join(dir, kind.StateFileName())
	if err := writeAtomic(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Load reads and decodes a state file.
func Load(path string) (*model.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.WithPath(errs.IntentNotFound, "state file not found", path, err)
		}
		return nil, errs.WithPath(errs.IOError, "read state file", path, err)
	}

	var st model.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errs.WithPath(errs.InvalidState, "decode state file", path, err)
	}
	return &st, nil
}

// Update loads the state at path, applies mutation, stamps updated_at, and
// writes it back atomically.
func Update(path string, mutation Mutation) (*model.State, error) {
	st, err := Load(path)
	if err != nil {
		return nil, err
	}

	if err := mutation(st); err != nil {
		return nil, err
	}
	st.UpdatedAt = time.Now().UTC()

	if err := writeAtomic(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Delete removes the intent directory at dir. Refuses when the intent is
// locked unless force is set.
func Delete(dir string, kind model.Kind, force bool) error {
	path := filepath.Join(dir, kind.StateFileName())
	st, err := Load(path)
	if err == nil && st.Locked && !force {
		return errs.Locked(st.LockedBy, st.LockedAt)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errs.WithPath(errs.IOError, "delete intent directory", dir, err)
	}
	return nil
}

// Rename recomputes the uuid and folder name for a new intent name, renames
// the directory first, and only then rewrites the state inside it — if the
// rename fails the state file is never touched.
func Rename(parentDir, oldDir string, st *model.State, newName string) (newDir string, err error) {
	newUUID := NewUUID(newName)
	newFolder := model.FolderName(newName, newUUID)
	newDir = filepath.Join(parentDir, newFolder)

	if err := os.Rename(oldDir, newDir); err != nil {
		return "", errs.WithPath(errs.IOError, "rename intent directory", oldDir, err)
	}

	st.UUID = newUUID
	st.Name = newName
	st.UpdatedAt = time.Now().UTC()

	path := filepath.Join(newDir, st.Type.StateFileName())
	if err := writeAtomic(path, st); err != nil {
		return "", err
	}
	return newDir, nil
}

// writeAtomic serializes v and writes it to path by creating a sibling
// temp file in the same directory, fsyncing it, then renaming over path —
// so no partially written file is ever visible at the canonical path.
func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.WithPath(errs.IOError, "create state directory", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.InvalidState, "encode state", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return errs.WithPath(errs.IOError, "create temp state file", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.WithPath(errs.IOError, "write temp state file", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.WithPath(errs.IOError, "fsync temp state file", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.WithPath(errs.IOError, "close temp state file", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errs.WithPath(errs.IOError, "rename state file into place", path, err)
	}
	return nil
}
