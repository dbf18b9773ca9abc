// Package merge backs up affected project files, applies staged changes,
// and updates intent state.
package merge

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/locator"
	"github.com/bloomworks/bloom/internal/logger"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/staging"
	"github.com/bloomworks/bloom/internal/statestore"
	"github.com/bloomworks/bloom/internal/validator"
)

// Options configures one Merge call.
type Options struct {
	ProjectRoot string
	IntentDir   string // <root>/.bloom/.intents/.{kind}/{folder}
	ResponseDir string // contains .staging/, .staging_manifest.json, .report.json
	Stage       string
	Force       bool
	DryRun      bool
	NoBackup    bool
	Parallel    int
}

// Result summarizes a completed merge.
type Result struct {
	FilesMerged int
	BackupDir   string
	Errors      []string
}

// Merge gates on the validation report's ready_for_merge (unless Force or
// DryRun), backs up affected files, applies the manifest (in order, or
// concurrently when Parallel > 1), and records last_merge in intent state.
// When the manifest is non-empty it also sets steps.merge=true and releases
// the lock; an empty manifest leaves steps, status and lock untouched.
func Merge(statePath string, opts Options) (*Result, error) {
	if opts.Stage == "" && opts.IntentDir != "" {
		stage, err := locator.DetectLatestStage(opts.IntentDir)
		if err != nil {
			return nil, err
		}
		opts.Stage = stage
		if opts.ResponseDir == "" {
			opts.ResponseDir = filepath.Join(opts.IntentDir, ".pipeline", "."+stage, ".response")
		}
	}

	if !opts.Force && !opts.DryRun {
		report, err := validator.LoadReport(opts.ResponseDir)
		if err != nil {
			return nil, err
		}
		if !report.ReadyForMerge {
			return nil, errs.New(errs.MergeNotApproved, "report.ready_for_merge is false")
		}
	}

	manifest, err := staging.LoadManifest(opts.ResponseDir)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return &Result{FilesMerged: len(manifest.Files)}, nil
	}

	var backupDir string
	if !opts.NoBackup && len(manifest.Files) > 0 {
		backupDir, err = backup(opts.ProjectRoot, opts.IntentDir, manifest)
		if err != nil {
			return nil, errs.Wrap(errs.BackupFailed, "create backup set", err)
		}
	}

	result := apply(opts.ProjectRoot, manifest, opts.Parallel)
	result.BackupDir = backupDir

	empty := len(manifest.Files) == 0
	st, err := statestore.Update(statePath, func(s *model.State) error {
		s.LastMerge = &model.LastMerge{
			Timestamp:   time.Now().UTC(),
			Stage:       opts.Stage,
			FilesMerged: result.FilesMerged,
			BackupDir:   backupDir,
		}
		if empty {
			// spec: merge with an empty manifest is a no-op beyond
			// recording last_merge — steps/status/lock are untouched.
			return nil
		}
		if s.Steps == nil {
			s.Steps = map[string]bool{}
		}
		s.Steps["merge"] = true
		s.Status = model.StatusCompleted
		s.Locked = false
		s.LockedBy = ""
		s.LockedAt = ""
		s.Operation = ""
		s.RecoveryData = map[string]any{}
		return nil
	})
	if err != nil {
		return result, err
	}
	_ = st

	logger.LogMergeApplied(opts.IntentDir, opts.Stage, result.FilesMerged, backupDir)
	if !empty {
		logger.LogLockTransition(opts.IntentDir, "merging", "released")
	}

	return result, nil
}

func backup(projectRoot, intentDir string, manifest *staging.Manifest) (string, error) {
	ts := time.Now().UTC().Format("20060102_150405")
	dir := filepath.Join(intentDir, ".pipeline", ".backup", ts)

	for _, f := range manifest.Files {
		target := filepath.Join(projectRoot, f.TargetPath)
		if _, err := os.Stat(target); err != nil {
			continue // nothing to back up for a pure create
		}
		dst := filepath.Join(dir, f.TargetPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", err
		}
		if err := copyPreservingMetadata(target, dst); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func apply(projectRoot string, manifest *staging.Manifest, parallel int) *Result {
	result := &Result{}
	errsMu := make(chan string, len(manifest.Files)+1)
	var filesMerged atomic.Int64

	applyOne := func(f staging.FileEntry) {
		target := filepath.Join(projectRoot, f.TargetPath)
		switch f.Action {
		case staging.ActionDelete:
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				errsMu <- "delete " + f.TargetPath + ": " + err.Error()
				return
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				errsMu <- "mkdir for " + f.TargetPath + ": " + err.Error()
				return
			}
			staged := filepath.Join(f.Target)
			if err := copyAtomic(staged, target); err != nil {
				errsMu <- "copy " + f.TargetPath + ": " + err.Error()
				return
			}
		}
		filesMerged.Add(1)
	}

	if parallel > 1 {
		var g errgroup.Group
		g.SetLimit(parallel)
		for _, f := range manifest.Files {
			f := f
			g.Go(func() error {
				applyOne(f)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, f := range manifest.Files {
			applyOne(f)
		}
	}

	close(errsMu)
	for e := range errsMu {
		result.Errors = append(result.Errors, e)
	}
	result.FilesMerged = int(filesMerged.Load())
	return result
}

// copyAtomic copies src over dst via a temp file + rename so a concurrent
// reader never observes a partially written target, and preserves the
// source file's mode.
func copyAtomic(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".merge-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, info.Mode()); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

func copyPreservingMetadata(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}
