package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomworks/bloom/internal/locator"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/statestore"
)

func lockedIntent(t *testing.T, operation string, recoveryData map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	_, err := statestore.Create(dir, model.KindDev, "Fix Login", nil)
	require.NoError(t, err)
	statePath := filepath.Join(dir, model.KindDev.StateFileName())
	_, err = statestore.Update(statePath, func(s *model.State) error {
		s.Locked = true
		s.LockedBy = "host-a"
		s.LockedAt = "2026-01-01T00:00:00Z"
		s.Operation = operation
		s.RecoveryData = recoveryData
		return nil
	})
	require.NoError(t, err)
	return statePath
}

func TestRecoverSingle_DownloadingResponseResumesWithoutUnlocking(t *testing.T) {
	statePath := lockedIntent(t, "downloading_response", map[string]any{"chat_url": "http://x", "profile": "P1"})

	res, err := RecoverSingle(statePath, Options{})
	require.NoError(t, err)
	assert.Equal(t, ActionDownloadResumed, res.Action)
	assert.Equal(t, "http://x", res.ChatURL)
	assert.Equal(t, "P1", res.Profile)

	st, err := statestore.Load(statePath)
	require.NoError(t, err)
	assert.True(t, st.Locked, "download recovery must not release the lock")
	assert.True(t, st.RecoveryPending)
	assert.NotEmpty(t, st.RecoveryInitiatedAt)
}

func TestRecoverSingle_DownloadingResponseMissingDataErrors(t *testing.T) {
	statePath := lockedIntent(t, "downloading_response", map[string]any{})
	_, err := RecoverSingle(statePath, Options{})
	require.Error(t, err)
}

func TestRecoverSingle_MergingReleasesLock(t *testing.T) {
	statePath := lockedIntent(t, "merging", map[string]any{"stage": "execution"})

	res, err := RecoverSingle(statePath, Options{})
	require.NoError(t, err)
	assert.Equal(t, ActionMergeRecovered, res.Action)

	st, err := statestore.Load(statePath)
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestRecoverSingle_UnknownOperationErrorsUnlessForced(t *testing.T) {
	statePath := lockedIntent(t, "something_else", nil)

	_, err := RecoverSingle(statePath, Options{})
	require.Error(t, err)

	res, err := RecoverSingle(statePath, Options{ForceUnlock: true})
	require.NoError(t, err)
	assert.Equal(t, ActionForceUnlocked, res.Action)
}

func TestRecoverSingle_ForceUnlockIdempotent(t *testing.T) {
	statePath := lockedIntent(t, "downloading_response", map[string]any{"chat_url": "http://x", "profile": "P1"})

	first, err := RecoverSingle(statePath, Options{ForceUnlock: true})
	require.NoError(t, err)
	assert.Equal(t, ActionForceUnlocked, first.Action)

	second, err := RecoverSingle(statePath, Options{ForceUnlock: true})
	require.NoError(t, err)
	assert.Equal(t, ActionNoLock, second.Action)

	st, err := statestore.Load(statePath)
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestRecoverAll_RecoversOnlyLockedIntents(t *testing.T) {
	root := t.TempDir()
	devDir := filepath.Join(root, ".bloom", ".intents", ".dev")
	docDir := filepath.Join(root, ".bloom", ".intents", ".doc")
	require.NoError(t, os.MkdirAll(devDir, 0755))
	require.NoError(t, os.MkdirAll(docDir, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".bloom"), 0755))

	devIntent := filepath.Join(devDir, ".fix-login-aaaaaaaa")
	require.NoError(t, os.MkdirAll(devIntent, 0755))
	_, err := statestore.Create(devIntent, model.KindDev, "Fix Login", nil)
	require.NoError(t, err)
	_, err = statestore.Update(filepath.Join(devIntent, model.KindDev.StateFileName()), func(s *model.State) error {
		s.Locked = true
		s.LockedBy = "host-a"
		s.LockedAt = "2026-01-01T00:00:00Z"
		s.Operation = "merging"
		return nil
	})
	require.NoError(t, err)

	unlockedDev := filepath.Join(devDir, ".not-locked-bbbbbbbb")
	require.NoError(t, os.MkdirAll(unlockedDev, 0755))
	_, err = statestore.Create(unlockedDev, model.KindDev, "Not Locked", nil)
	require.NoError(t, err)

	result := RecoverAll(locator.ProjectRoot(root), Options{})
	assert.Len(t, result.Succeeded, 1)
	assert.Empty(t, result.Failed)
	assert.Equal(t, ActionMergeRecovered, result.Succeeded[0].Action)
}
