// Package staging copies extracted response files into a mirror tree and
// generates a manifest with hashes, preserving input order.
package staging

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bloomworks/bloom/internal/errs"
)

// Action is one of the manifest entry's action kinds.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// FileEntry is one manifest entry.
type FileEntry struct {
	Source string `json:"source"`
	Target string `json:"target"`
	TargetPath string `json:"target_path"`
	Action Action `json:"action"`
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
}

// Manifest is the ".staging_manifest.json" document.
type Manifest struct {
	StagedAt       time.Time   `json:"staged_at"`
	IntentID       string      `json:"intent_id"`
	Stage          string      `json:"stage"`
	Files          []FileEntry `json:"files"`
	TotalFiles     int         `json:"total_files"`
	TotalSizeBytes int64       `json:"total_size_bytes"`
}

// RawFileRef mirrors the envelope's content.files entry shape, tolerant of
// the fallback locations content.files / files / data.files.
type RawFileRef struct {
	FileRef string `json:"file_ref"`
	Path    string `json:"path"`
	Action  string `json:"action"`
	Hash    string `json:"hash_after"`
}

// ExtractFileRefs pulls the file list out of a raw response document,
// trying content.files, then files, then data.files in order.
func ExtractFileRefs(raw []byte) ([]RawFileRef, error) {
	var doc struct {
		Content struct {
			Files []RawFileRef `json:"files"`
		} `json:"content"`
		Files []RawFileRef `json:"files"`
		Data  struct {
			Files []RawFileRef `json:"files"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(errs.InvalidProtocol, "decode raw output", err)
	}
	if len(doc.Content.Files) > 0 {
		return doc.Content.Files, nil
	}
	if len(doc.Files) > 0 {
		return doc.Files, nil
	}
	return doc.Data.Files, nil
}

// Options configures a Stage call.
type Options struct {
	ResponseDir string // contains .raw_output.json and .files/
	IntentID    string
	Stage       string
	Overwrite   bool
	DryRun      bool
	Parallel    int // bounded copy concurrency; 0 or 1 means sequential
}

// Stage copies each referenced file from <ResponseDir>/.files/{file_ref}
// into <ResponseDir>/.staging/{path}, creating parent directories as
// needed, and returns the resulting manifest. In dry-run mode the plan is
// computed and returned without touching disk.
func Stage(opts Options) (*Manifest, error) {
	rawPath := filepath.Join(opts.ResponseDir, ".raw_output.json")
	raw, err := os.ReadFile(rawPath)
	if err != nil {
		return nil, errs.WithPath(errs.IOError, "read raw output", rawPath, err)
	}

	refs, err := ExtractFileRefs(raw)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, errs.New(errs.InvalidState, "no files to stage")
	}

	stagingDir := filepath.Join(opts.ResponseDir, ".staging")
	filesDir := filepath.Join(opts.ResponseDir, ".files")

	if !opts.DryRun && opts.Overwrite {
		if err := os.RemoveAll(stagingDir); err != nil {
			return nil, errs.WithPath(errs.IOError, "remove existing staging directory", stagingDir, err)
		}
	}

	entries := make([]FileEntry, len(refs))
	warnings := make([]bool, len(refs))

	copyOne := func(i int) error {
		ref := refs[i]
		if ref.FileRef == "" || ref.Path == "" {
			warnings[i] = true
			return nil
		}

		src := filepath.Join(filesDir, ref.FileRef)
		info, statErr := os.Stat(src)
		if statErr != nil {
			warnings[i] = true
			return nil
		}

		target := filepath.Join(stagingDir, ref.Path)
		action := Action(ref.Action)
		if action == "" {
			action = ActionUpdate
		}

		entry := FileEntry{
			Source:     src,
			Target:     target,
			TargetPath: ref.Path,
			Action:     action,
			Size:       info.Size(),
		}

		if !opts.DryRun {
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errs.WithPath(errs.IOError, "create staging parent directory", filepath.Dir(target), err)
			}
			hash, err := copyFile(src, target)
			if err != nil {
				return err
			}
			entry.Hash = hash
		} else {
			hash, err := hashFile(src)
			if err == nil {
				entry.Hash = hash
			}
		}

		entries[i] = entry
		return nil
	}

	if opts.Parallel > 1 {
		var g errgroup.Group
		g.SetLimit(opts.Parallel)
		for i := range refs {
			i := i
			g.Go(func() error { return copyOne(i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range refs {
			if err := copyOne(i); err != nil {
				return nil, err
			}
		}
	}

	var finalFiles []FileEntry
	var totalSize int64
	for i, e := range entries {
		if warnings[i] {
			continue
		}
		finalFiles = append(finalFiles, e)
		totalSize += e.Size
	}

	manifest := &Manifest{
		StagedAt:       time.Now().UTC(),
		IntentID:       opts.IntentID,
		Stage:          opts.Stage,
		Files:          finalFiles,
		TotalFiles:     len(finalFiles),
		TotalSizeBytes: totalSize,
	}

	if !opts.DryRun {
		if err := saveManifest(opts.ResponseDir, manifest); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", errs.WithPath(errs.IOError, "open staging source", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", errs.WithPath(errs.IOError, "create staging target", dst, err)
	}
	defer out.Close()

	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return "", errs.WithPath(errs.IOError, "copy staged file", dst, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func saveManifest(responseDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Wrap(errs.InvalidState, "encode staging manifest", err)
	}
	path := filepath.Join(responseDir, ".staging_manifest.json")
	tmp, err := os.CreateTemp(responseDir, ".manifest-*.tmp")
	if err != nil {
		return errs.WithPath(errs.IOError, "create temp manifest", responseDir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.WithPath(errs.IOError, "write temp manifest", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.WithPath(errs.IOError, "close temp manifest", tmpName, err)
	}
	return os.Rename(tmpName, path)
}

// LoadManifest reads a previously written manifest.
func LoadManifest(responseDir string) (*Manifest, error) {
	path := filepath.Join(responseDir, ".staging_manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WithPath(errs.IOError, "read staging manifest", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.WithPath(errs.InvalidState, "decode staging manifest", path, err)
	}
	return &m, nil
}
