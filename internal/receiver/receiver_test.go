package receiver

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomworks/bloom/internal/hydration"
	"github.com/bloomworks/bloom/internal/transport"
)

func TestReceiveFile_PersistsRawOutputAndExtractsFiles(t *testing.T) {
	encoded, err := hydration.Encode([]byte("file body"), "go")
	require.NoError(t, err)

	src := t.TempDir()
	raw := `{"content":{"files":[{"file_ref":"a.go","path":"src/a.go","action":"create","content":"` + encoded + `"}]}}`
	responsePath := filepath.Join(src, "response.json")
	require.NoError(t, os.WriteFile(responsePath, []byte(raw), 0644))

	responseDir := filepath.Join(t.TempDir(), ".response")
	env, err := ReceiveFile(responsePath, responseDir)
	require.NoError(t, err)
	require.Len(t, env.Content.Files, 1)

	rawOnDisk, err := os.ReadFile(filepath.Join(responseDir, ".raw_output.json"))
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(rawOnDisk))

	extracted, err := os.ReadFile(filepath.Join(responseDir, ".files", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "file body", string(extracted))
}

func TestReceiveFile_MissingFileRefIsNotFatal(t *testing.T) {
	src := t.TempDir()
	raw := `{"content":{"files":[{"path":"src/a.go","action":"create"}]}}`
	responsePath := filepath.Join(src, "response.json")
	require.NoError(t, os.WriteFile(responsePath, []byte(raw), 0644))

	responseDir := filepath.Join(t.TempDir(), ".response")
	env, err := ReceiveFile(responsePath, responseDir)
	require.NoError(t, err)
	assert.Len(t, env.Content.Files, 1)
}

func TestReceiveSocket_AcceptsOneConnectionAndPersists(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	responseDir := filepath.Join(t.TempDir(), ".response")
	done := make(chan struct{})
	var recvErr error
	var env *Envelope
	go func() {
		env, recvErr = ReceiveSocket("127.0.0.1", addr.Port, 2*time.Second, responseDir)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	conn, err := transport.Dial("127.0.0.1", addr.Port, 2*time.Second)
	require.NoError(t, err)
	raw := map[string]any{"content": map[string]any{"files": []any{}}}
	require.NoError(t, transport.Send(conn, raw))
	conn.Close()

	<-done
	require.NoError(t, recvErr)
	require.NotNil(t, env)

	_, statErr := os.Stat(filepath.Join(responseDir, ".raw_output.json"))
	require.NoError(t, statErr)
}

func TestReceiveSocket_TimesOutWithNoConnection(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = ReceiveSocket("127.0.0.1", addr.Port, 100*time.Millisecond, t.TempDir())
	require.Error(t, err)
}
