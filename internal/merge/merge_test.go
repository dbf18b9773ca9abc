package merge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/staging"
	"github.com/bloomworks/bloom/internal/statestore"
	"github.com/bloomworks/bloom/internal/validator"
)

func setupMergeFixture(t *testing.T, ready bool) (projectRoot, intentDir, responseDir, statePath string) {
	t.Helper()
	projectRoot = t.TempDir()
	intentDir = filepath.Join(t.TempDir(), "intent")
	require.NoError(t, os.MkdirAll(intentDir, 0755))
	responseDir = filepath.Join(intentDir, ".pipeline", ".execution", ".response")
	require.NoError(t, os.MkdirAll(filepath.Join(responseDir, ".staging", "src"), 0755))

	require.NoError(t, os.MkdirAll(filepath.Join(projectRoot, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "src", "a.txt"), []byte("OLD"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(responseDir, ".staging", "src", "a.txt"), []byte("NEW"), 0644))

	m := staging.Manifest{
		Files: []staging.FileEntry{
			{Target: filepath.Join(responseDir, ".staging", "src", "a.txt"), TargetPath: "src/a.txt", Action: staging.ActionUpdate},
		},
		TotalFiles: 1,
	}
	data, err := json.MarshalIndent(&m, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(responseDir, ".staging_manifest.json"), data, 0644))

	report := validator.Report{Basic: validator.BasicReport{Passed: true}, ReadyForMerge: ready, Approved: ready}
	rdata, err := json.MarshalIndent(&report, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(responseDir, ".report.json"), rdata, 0644))

	st, err := statestore.Create(intentDir, model.KindDev, "Fix Login", nil)
	require.NoError(t, err)
	statePath = filepath.Join(intentDir, model.KindDev.StateFileName())
	_, err = statestore.Update(statePath, func(s *model.State) error {
		s.Locked = true
		s.LockedBy = "host-a"
		s.LockedAt = "2026-01-01T00:00:00Z"
		s.Operation = "merging"
		return nil
	})
	require.NoError(t, err)
	_ = st
	return
}

func TestMerge_BacksUpAndApplies(t *testing.T) {
	projectRoot, intentDir, responseDir, statePath := setupMergeFixture(t, true)

	result, err := Merge(statePath, Options{
		ProjectRoot: projectRoot,
		IntentDir:   intentDir,
		ResponseDir: responseDir,
		Stage:       "execution",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesMerged)
	require.NotEmpty(t, result.BackupDir)

	merged, err := os.ReadFile(filepath.Join(projectRoot, "src", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "NEW", string(merged))

	backed, err := os.ReadFile(filepath.Join(result.BackupDir, "src", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "OLD", string(backed))

	st, err := statestore.Load(statePath)
	require.NoError(t, err)
	assert.True(t, st.Steps["merge"])
	require.NotNil(t, st.LastMerge)
	assert.Equal(t, 1, st.LastMerge.FilesMerged)
	assert.False(t, st.Locked)
}

func TestMerge_RefusesWithoutApprovalUnlessForced(t *testing.T) {
	projectRoot, intentDir, responseDir, statePath := setupMergeFixture(t, false)

	_, err := Merge(statePath, Options{ResponseDir: responseDir})
	require.Error(t, err)
	assert.Equal(t, errs.MergeNotApproved, errs.KindOf(err))

	result, err := Merge(statePath, Options{ProjectRoot: projectRoot, IntentDir: intentDir, ResponseDir: responseDir, Stage: "execution", Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesMerged)
}

func TestMerge_DryRunSkipsGateAndWritesNothing(t *testing.T) {
	projectRoot, intentDir, responseDir, statePath := setupMergeFixture(t, false)

	result, err := Merge(statePath, Options{
		ProjectRoot: projectRoot,
		IntentDir:   intentDir,
		ResponseDir: responseDir,
		DryRun:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesMerged)

	content, err := os.ReadFile(filepath.Join(projectRoot, "src", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "OLD", string(content), "dry run must not modify the project")

	st, err := statestore.Load(statePath)
	require.NoError(t, err)
	assert.False(t, st.Steps["merge"])
}

func TestMerge_EmptyManifestIsNoOp(t *testing.T) {
	projectRoot, intentDir, responseDir, statePath := setupMergeFixture(t, true)

	empty := staging.Manifest{Files: nil, TotalFiles: 0}
	data, err := json.MarshalIndent(&empty, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(responseDir, ".staging_manifest.json"), data, 0644))

	result, err := Merge(statePath, Options{
		ProjectRoot: projectRoot,
		IntentDir:   intentDir,
		ResponseDir: responseDir,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.FilesMerged)
	assert.Empty(t, result.BackupDir)

	st, err := statestore.Load(statePath)
	require.NoError(t, err)
	require.NotNil(t, st.LastMerge)
	assert.True(t, st.Locked, "empty-manifest merge must not release the lock")
	assert.False(t, st.Steps["merge"], "empty-manifest merge must not mark the merge step done")
	assert.NotEqual(t, model.StatusCompleted, st.Status)
}

func TestMerge_AutoDetectsLatestStageWhenNoneGiven(t *testing.T) {
	projectRoot, intentDir, _, statePath := setupMergeFixture(t, true)

	// setupMergeFixture stages the fixture under .pipeline/.execution/.response;
	// Merge must find it without an explicit Stage or ResponseDir.
	result, err := Merge(statePath, Options{
		ProjectRoot: projectRoot,
		IntentDir:   intentDir,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesMerged)

	st, err := statestore.Load(statePath)
	require.NoError(t, err)
	require.NotNil(t, st.LastMerge)
	assert.Equal(t, "execution", st.LastMerge.Stage)
}

func TestMerge_NoStageFoundIsStageNotFound(t *testing.T) {
	intentDir := t.TempDir()
	require.NoError(t, os.MkdirAll(intentDir, 0755))
	statePath := filepath.Join(intentDir, model.KindDev.StateFileName())
	_, err := statestore.Create(intentDir, model.KindDev, "Empty Pipeline", nil)
	require.NoError(t, err)

	_, err = Merge(statePath, Options{IntentDir: intentDir})
	require.Error(t, err)
	assert.Equal(t, errs.StageNotFound, errs.KindOf(err))
}
