package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/model"
)

func TestNewUUID_Deterministic(t *testing.T) {
	a := NewUUID("Add Login Page")
	b := NewUUID("Add Login Page")
	assert.Equal(t, a, b)
}

func TestNewUUID_TrimsWhitespaceOnly(t *testing.T) {
	a := NewUUID("  Add Login Page  ")
	b := NewUUID("Add Login Page")
	assert.Equal(t, a, b)
}

func TestNewUUID_DistinctForDistinctNames(t *testing.T) {
	assert.NotEqual(t, NewUUID("a"), NewUUID("b"))
}

func TestCreate_RejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(dir, model.Kind("bogus"), "x", nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestCreate_WritesLoadableState(t *testing.T) {
	dir := t.TempDir()
	st, err := Create(dir, model.KindDev, "My Feature", []string{"a.go", "b.go"})
	require.NoError(t, err)

	path := filepath.Join(dir, model.KindDev.StateFileName())
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, st.UUID, loaded.UUID)
	assert.Equal(t, "My Feature", loaded.Name)
	assert.Equal(t, []string{"a.go", "b.go"}, loaded.InitialFiles)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Equal(t, errs.IntentNotFound, errs.KindOf(err))
}

func TestUpdate_StampsUpdatedAtAndPersists(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(dir, model.KindDev, "Feature", nil)
	require.NoError(t, err)
	path := filepath.Join(dir, model.KindDev.StateFileName())

	before, err := Load(path)
	require.NoError(t, err)

	updated, err := Update(path, func(s *model.State) error {
		s.Status = model.StatusHydrated
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusHydrated, updated.Status)
	assert.True(t, !updated.UpdatedAt.Before(before.UpdatedAt))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, model.StatusHydrated, reloaded.Status)
}

func TestUpdate_MutationErrorAbortsWrite(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(dir, model.KindDev, "Feature", nil)
	require.NoError(t, err)
	path := filepath.Join(dir, model.KindDev.StateFileName())

	wantErr := errs.New(errs.ValidationFailed, "nope")
	_, err = Update(path, func(s *model.State) error {
		s.Status = model.StatusFailed
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, reloaded.Status, "mutation error must not persist partial changes")
}

func TestDelete_RefusesWhenLockedWithoutForce(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(dir, model.KindDev, "Feature", nil)
	require.NoError(t, err)
	path := filepath.Join(dir, model.KindDev.StateFileName())

	_, err = Update(path, func(s *model.State) error {
		s.Locked = true
		s.LockedBy = "alice"
		s.LockedAt = "2026-01-01T00:00:00Z"
		return nil
	})
	require.NoError(t, err)

	err = Delete(dir, model.KindDev, false)
	require.Error(t, err)
	assert.Equal(t, errs.AlreadyLocked, errs.KindOf(err))

	require.NoError(t, Delete(dir, model.KindDev, true))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRename_MovesDirectoryBeforeRewritingState(t *testing.T) {
	parent := t.TempDir()
	oldDir := filepath.Join(parent, "old")
	require.NoError(t, os.MkdirAll(oldDir, 0755))

	st, err := Create(oldDir, model.KindDev, "Old Name", nil)
	require.NoError(t, err)

	newDir, err := Rename(parent, oldDir, st, "New Name")
	require.NoError(t, err)

	_, statErr := os.Stat(oldDir)
	assert.True(t, os.IsNotExist(statErr))

	loaded, err := Load(filepath.Join(newDir, model.KindDev.StateFileName()))
	require.NoError(t, err)
	assert.Equal(t, "New Name", loaded.Name)
	assert.Equal(t, NewUUID("New Name"), loaded.UUID)
}
