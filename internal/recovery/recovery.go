// Package recovery resumes interrupted operations from persisted lock
// state: downloading responses, interrupted merges, or a force-unlock.
package recovery

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/locator"
	"github.com/bloomworks/bloom/internal/logger"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/statestore"
)

// Action names the outcome of a single recovery.
type Action string

const (
	ActionDownloadResumed Action = "download_resumed"
	ActionMergeRecovered  Action = "merge_recovered"
	ActionForceUnlocked   Action = "force_unlocked"
	ActionNoLock          Action = "no_lock"
)

// SingleResult is the outcome of recovering one intent.
type SingleResult struct {
	IntentDir string
	Action    Action
	ChatURL   string
	Profile   string
}

// Options configures RecoverSingle.
type Options struct {
	ForceUnlock bool
}

// RecoverSingle inspects the lock record at statePath and dispatches on
// lock.operation.
func RecoverSingle(statePath string, opts Options) (*SingleResult, error) {
	st, err := statestore.Load(statePath)
	if err != nil {
		return nil, err
	}

	if opts.ForceUnlock {
		if !st.Locked {
			return &SingleResult{IntentDir: filepath.Dir(statePath), Action: ActionNoLock}, nil
		}
		if _, err := statestore.Update(statePath, func(s *model.State) error {
			clearLock(s)
			return nil
		}); err != nil {
			return nil, err
		}
		logger.LogLockTransition(filepath.Dir(statePath), st.Operation, "force_unlocked")
		return &SingleResult{IntentDir: filepath.Dir(statePath), Action: ActionForceUnlocked}, nil
	}

	if !st.Locked {
		return &SingleResult{IntentDir: filepath.Dir(statePath), Action: ActionNoLock}, nil
	}

	switch st.Operation {
	case "downloading_response":
		chatURL, _ := st.RecoveryData["chat_url"].(string)
		profile, _ := st.RecoveryData["profile"].(string)
		if chatURL == "" || profile == "" {
			return nil, errs.New(errs.RecoveryDataMissing, "recovery_data.chat_url/profile required for downloading_response")
		}

		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := statestore.Update(statePath, func(s *model.State) error {
			s.RecoveryPending = true
			s.RecoveryInitiatedAt = now
			return nil
		}); err != nil {
			return nil, err
		}

		logger.LogLockTransition(filepath.Dir(statePath), st.Operation, "resume_pending")
		return &SingleResult{
			IntentDir: filepath.Dir(statePath),
			Action:    ActionDownloadResumed,
			ChatURL:   chatURL,
			Profile:   profile,
		}, nil

	case "merging":
		if _, err := statestore.Update(statePath, func(s *model.State) error {
			clearLock(s)
			return nil
		}); err != nil {
			return nil, err
		}
		logger.LogLockTransition(filepath.Dir(statePath), st.Operation, "recovered")
		return &SingleResult{IntentDir: filepath.Dir(statePath), Action: ActionMergeRecovered}, nil

	default:
		return nil, errs.New(errs.InvalidState, "unrecognized lock operation: "+st.Operation)
	}
}

func clearLock(s *model.State) {
	s.Locked = false
	s.LockedBy = ""
	s.LockedAt = ""
	s.Operation = ""
	s.RecoveryData = map[string]any{}
}

// AllResult aggregates a recover-all pass.
type AllResult struct {
	Succeeded []SingleResult
	Failed    []AllFailure
}

// AllFailure records one intent recovery failure.
type AllFailure struct {
	IntentDir string
	Err       error
}

// RecoverAll walks every locked intent under root's .dev and .doc trees and
// attempts recovery on each, aggregating successes and failures.
func RecoverAll(root locator.ProjectRoot, opts Options) *AllResult {
	result := &AllResult{}

	for _, kind := range []model.Kind{model.KindDev, model.KindDoc} {
		dir := root.IntentsDir(kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			statePath := filepath.Join(dir, e.Name(), kind.StateFileName())
			st, err := statestore.Load(statePath)
			if err != nil || !st.Locked {
				continue
			}

			res, err := RecoverSingle(statePath, opts)
			if err != nil {
				result.Failed = append(result.Failed, AllFailure{IntentDir: filepath.Join(dir, e.Name()), Err: err})
				continue
			}
			result.Succeeded = append(result.Succeeded, *res)
		}
	}

	return result
}
