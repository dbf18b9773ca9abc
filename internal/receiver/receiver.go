// Package receiver accepts AI responses via socket listen or local file and
// persists the raw output and extracted files under the stage's
// .response/ directory.
package receiver

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/hydration"
	"github.com/bloomworks/bloom/internal/transport"
)

// FileRef is one entry in the envelope's content.files array.
type FileRef struct {
	FileRef   string `json:"file_ref"`
	Path      string `json:"path"`
	Action    string `json:"action"`
	HashAfter string `json:"hash_after"`
	Content   string `json:"content,omitempty"`
}

// Envelope is the minimal shape the receiver needs to extract files; the
// parser (C9) validates the full Bloom protocol separately.
type Envelope struct {
	Raw     json.RawMessage `json:"-"`
	Content struct {
		Files []FileRef `json:"files"`
	} `json:"content"`
}

// ResponseDir returns <intentDir>/.pipeline/.{stage}/.response.
func ResponseDir(intentDir, stage string) string {
	return filepath.Join(intentDir, ".pipeline", "."+stage, ".response")
}

// ReceiveSocket listens on host:port, accepts exactly one connection, reads
// one framed message, and persists it. The listener is closed immediately
// after the first accept regardless of outcome — at most one connection is
// ever served per invocation.
func ReceiveSocket(host string, port int, acceptTimeout time.Duration, responseDir string) (*Envelope, error) {
	ln, err := transport.Listen(host, port)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	type acceptOutcome struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptOutcome, 1)
	go func() {
		conn, err := ln.Accept()
		accepted <- acceptOutcome{conn, err}
	}()

	select {
	case o := <-accepted:
		_ = ln.Close()
		if o.err != nil {
			return nil, errs.Wrap(errs.IOError, "accept connection", o.err)
		}
		defer o.conn.Close()

		var raw json.RawMessage
		if err := transport.Recv(o.conn, 0, &raw); err != nil {
			return nil, err
		}
		return persist(raw, responseDir)
	case <-time.After(acceptTimeout):
		return nil, errs.New(errs.Timeout, "no connection accepted within timeout")
	}
}

// ReceiveFile reads a JSON document from disk and persists it the same way
// ReceiveSocket would.
func ReceiveFile(path, responseDir string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WithPath(errs.IOError, "read response file", path, err)
	}
	return persist(json.RawMessage(data), responseDir)
}

func persist(raw json.RawMessage, responseDir string) (*Envelope, error) {
	if err := os.MkdirAll(responseDir, 0755); err != nil {
		return nil, errs.WithPath(errs.IOError, "create response directory", responseDir, err)
	}

	rawOutputPath := filepath.Join(responseDir, ".raw_output.json")
	if err := writeAtomic(rawOutputPath, raw); err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(errs.InvalidProtocol, "decode response envelope", err)
	}
	env.Raw = raw

	filesDir := filepath.Join(responseDir, ".files")
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		return nil, errs.WithPath(errs.IOError, "create files directory", filesDir, err)
	}

	for _, f := range env.Content.Files {
		if f.FileRef == "" {
			// Missing file_ref entries are recorded by the parser's file
			// reference check; not fatal here.
			continue
		}
		target := filepath.Join(filesDir, f.FileRef)
		if f.Content != "" {
			decoded, err := hydration.Decode(f.Content)
			if err != nil {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				continue
			}
			_ = os.WriteFile(target, decoded, 0644)
			continue
		}
		// No inline content: trust on-disk bytes if already delivered
		// out-of-band at this path.
	}

	return &env, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".raw-*.tmp")
	if err != nil {
		return errs.WithPath(errs.IOError, "create temp response file", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.WithPath(errs.IOError, "write temp response file", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.WithPath(errs.IOError, "close temp response file", tmpName, err)
	}
	return os.Rename(tmpName, path)
}
