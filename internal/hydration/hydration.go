// Package hydration builds the codebase/docbase blobs the payload builder
// consumes, and implements the opaque encode/decode contract for per-file
// content entries.
package hydration

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bloomworks/bloom/internal/errs"
)

// gzPrefix marks a content entry as base64-encoded gzip of UTF-8 bytes.
const gzPrefix = "gz:"

// Entry is one file within a blob.
type Entry struct {
	Path    string `json:"p"`
	Content string `json:"c"`
	Lang    string `json:"l"`
	Size    int    `json:"s"`
}

// Blob is the ".codebase.json"/".docbase.json" document shape.
type Blob struct {
	Files []Entry `json:"files"`
}

// Encode compresses bytes with gzip and base64-encodes the result,
// returning the "gz:"-prefixed entry content. language is recorded
// unmodified on the returned Entry's caller; Encode itself only produces
// the content string.
func Encode(data []byte, language string) (string, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return "", errs.Wrap(errs.IOError, "gzip encode", err)
	}
	if err := gw.Close(); err != nil {
		return "", errs.Wrap(errs.IOError, "gzip close", err)
	}
	return gzPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. A non-"gz:"-prefixed entry is treated as literal
// UTF-8 and returned unchanged.
func Decode(content string) ([]byte, error) {
	if !strings.HasPrefix(content, gzPrefix) {
		return []byte(content), nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(content, gzPrefix))
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "base64 decode", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "gzip reader", err)
	}
	defer gr.Close()

	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "gzip decompress", err)
	}
	return out, nil
}

// Hash returns the MD5 integrity hash (hex) of decoded bytes.
func Hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// WalkOptions controls which files Build gathers into a blob.
type WalkOptions struct {
	Root         string
	Paths        []string // project-relative files/dirs to include
	ExcludeGlobs []string
	MaxFileSize  int64
	Compress     bool
}

// Build walks opts.Paths under opts.Root and produces a Blob containing one
// Entry per regular, non-excluded, size-bounded file.
func Build(opts WalkOptions) (*Blob, error) {
	blob := &Blob{}

	for _, rel := range opts.Paths {
		abs := filepath.Join(opts.Root, rel)
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}

		if info.IsDir() {
			err := filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}
				relPath, rerr := filepath.Rel(opts.Root, path)
				if rerr != nil {
					return rerr
				}
				if excluded(relPath, opts.ExcludeGlobs) {
					return nil
				}
				entry, eerr := buildEntry(opts.Root, relPath, opts.MaxFileSize, opts.Compress)
				if eerr != nil {
					return nil // skip unreadable/oversized files
				}
				if entry != nil {
					blob.Files = append(blob.Files, *entry)
				}
				return nil
			})
			if err != nil {
				return nil, errs.Wrap(errs.IOError, "walk "+abs, err)
			}
			continue
		}

		if excluded(rel, opts.ExcludeGlobs) {
			continue
		}
		entry, err := buildEntry(opts.Root, rel, opts.MaxFileSize, opts.Compress)
		if err != nil {
			continue
		}
		if entry != nil {
			blob.Files = append(blob.Files, *entry)
		}
	}

	return blob, nil
}

func buildEntry(root, rel string, maxSize int64, compress bool) (*Entry, error) {
	abs := filepath.Join(root, rel)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	if isBinary(data) {
		return nil, nil
	}

	content := string(data)
	if compress {
		encoded, err := Encode(data, languageTag(rel))
		if err != nil {
			return nil, err
		}
		content = encoded
	}

	return &Entry{
		Path:    filepath.ToSlash(rel),
		Content: content,
		Lang:    languageTag(rel),
		Size:    len(data),
	}, nil
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for i := 0; i < n; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}

func languageTag(rel string) string {
	ext := strings.TrimPrefix(filepath.Ext(rel), ".")
	if ext == "" {
		return "text"
	}
	return ext
}

func excluded(rel string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, rel); ok {
			return true
		}
		// Also match against the base name for simple "*.ext" style globs.
		if ok, _ := filepath.Match(g, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

// Find locates an entry by project-relative path in the blob.
func (b *Blob) Find(path string) (*Entry, bool) {
	for i := range b.Files {
		if b.Files[i].Path == path {
			return &b.Files[i], true
		}
	}
	return nil, false
}

// Load reads and decodes a blob JSON document from disk.
func Load(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WithPath(errs.IOError, "read blob", path, err)
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errs.WithPath(errs.InvalidState, "decode blob", path, err)
	}
	return &b, nil
}

// Save atomically writes the blob as JSON to path.
func Save(path string, b *Blob) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errs.Wrap(errs.InvalidState, "encode blob", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.WithPath(errs.IOError, "create blob directory", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return errs.WithPath(errs.IOError, "create temp blob file", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.WithPath(errs.IOError, "write temp blob file", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.WithPath(errs.IOError, "close temp blob file", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.WithPath(errs.IOError, "rename blob file into place", path, err)
	}
	return nil
}
