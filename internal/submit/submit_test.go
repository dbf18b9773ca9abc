package submit

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/payload"
	"github.com/bloomworks/bloom/internal/statestore"
	"github.com/bloomworks/bloom/internal/transport"
)

func TestSubmit_SendsFramedRequestAndUpdatesState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	received := make(chan Request, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req Request
		_ = transport.Recv(conn, time.Second, &req)
		received <- req
	}()

	dir := t.TempDir()
	_, err = statestore.Create(dir, model.KindDev, "Fix Login", nil)
	require.NoError(t, err)
	statePath := filepath.Join(dir, model.KindDev.StateFileName())

	p := &payload.Payload{Files: []payload.File{{Path: "a.go", Content: "x"}}}

	updated, err := Submit(statePath, "intent-uuid-1", p, Options{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		ConnectTimeout: time.Second,
		Provider:       "claude",
		Text:           "do the thing",
	})
	require.NoError(t, err)
	assert.True(t, updated.Steps["submit"])
	assert.Equal(t, "claude", updated.LastProvider)
	assert.NotEmpty(t, updated.LastSubmittedAt)

	select {
	case req := <-received:
		assert.Equal(t, "intent-uuid-1", req.ID)
		assert.Equal(t, "claude.submit", req.Command)
		assert.Equal(t, "claude", req.Payload.Provider)
	case <-time.After(2 * time.Second):
		t.Fatal("native host never received the framed request")
	}

	reloaded, err := statestore.Load(statePath)
	require.NoError(t, err)
	assert.True(t, reloaded.Steps["submit"])
}

func TestSubmit_ConnectionRefusedLeavesStateUntouched(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	dir := t.TempDir()
	_, err = statestore.Create(dir, model.KindDev, "Fix Login", nil)
	require.NoError(t, err)
	statePath := filepath.Join(dir, model.KindDev.StateFileName())

	_, err = Submit(statePath, "intent-uuid-1", &payload.Payload{}, Options{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		ConnectTimeout: 200 * time.Millisecond,
		Provider:       "claude",
	})
	require.Error(t, err)

	st, err := statestore.Load(statePath)
	require.NoError(t, err)
	assert.False(t, st.Steps["submit"])
	assert.Empty(t, st.LastProvider)
}
