// Package lock implements per-intent advisory, cooperative locking backed
// by the state store's lock fields.
package lock

import (
	"os"
	"time"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/statestore"
)

// Acquire sets the lock fields on the intent at statePath. Fails with
// AlreadyLocked if the intent is already held. recoveryData may be nil.
func Acquire(statePath, operation string, recoveryData map[string]any) (*model.State, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	now := time.Now().UTC().Format(time.RFC3339)

	if recoveryData == nil {
		recoveryData = map[string]any{}
	}

	st, err := statestore.Update(statePath, func(s *model.State) error {
		if s.Locked {
			return errs.Locked(s.LockedBy, s.LockedAt)
		}
		s.Locked = true
		s.LockedBy = host
		s.LockedAt = now
		s.Operation = operation
		s.RecoveryData = recoveryData
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Read-back after write: detect a racing acquirer that won between our
	// load and our rename by re-reading and checking the lock is still ours.
	confirm, err := statestore.Load(statePath)
	if err != nil {
		return nil, err
	}
	if confirm.LockedBy != host || confirm.LockedAt != now {
		return nil, errs.Locked(confirm.LockedBy, confirm.LockedAt)
	}

	return st, nil
}

// Release clears the lock fields. When force is false and the intent is
// not locked, returns NotLocked.
func Release(statePath string, force bool) (*model.State, error) {
	return statestore.Update(statePath, func(s *model.State) error {
		if !s.Locked && !force {
			return errs.New(errs.NotLocked, "intent is not locked")
		}
		clear(s)
		return nil
	})
}

func clear(s *model.State) {
	s.Locked = false
	s.LockedBy = ""
	s.LockedAt = ""
	s.Operation = ""
	s.RecoveryData = map[string]any{}
}
