package warmstate_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/jingkaihe/kodelet-memcore/pkg/warmstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConns() (*warmstate.Conn, *warmstate.Conn) {
	a, b := net.Pipe()
	return warmstate.NewConn(a), warmstate.NewConn(b)
}

func TestEnvelopeRoundTripsOverConn(t *testing.T) {
	workerConn, supervisorConn := pipeConns()
	defer workerConn.Close()
	defer supervisorConn.Close()

	snap := warmstate.Snapshot{
		Version:   warmstate.SnapshotVersion,
		SessionID: "sess-1",
		Messages:  []vm.Message{{Role: vm.RoleUser, Content: "hi"}},
	}

	done := make(chan error, 1)
	go func() { done <- workerConn.Send(warmstate.TypeStateSnapshot, snap) }()

	env, err := supervisorConn.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, warmstate.TypeStateSnapshot, env.Type)
	got, err := warmstate.DecodeSnapshot(env)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestWorkerHandshakeReceivesHeldSnapshot(t *testing.T) {
	workerConn, supervisorConn := pipeConns()
	defer workerConn.Close()
	defer supervisorConn.Close()

	held := warmstate.Snapshot{Version: warmstate.SnapshotVersion, SessionID: "restored"}

	go func() {
		_ = warmstate.SupervisorHandshake(context.Background(), supervisorConn, &held)
	}()

	snap, ok, err := warmstate.WorkerHandshake(context.Background(), workerConn)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "restored", snap.SessionID)
}

func TestWorkerHandshakeColdStartsWhenSupervisorHoldsNothing(t *testing.T) {
	workerConn, supervisorConn := pipeConns()
	defer workerConn.Close()
	defer supervisorConn.Close()

	go func() {
		_ = warmstate.SupervisorHandshake(context.Background(), supervisorConn, nil)
	}()

	_, ok, err := warmstate.WorkerHandshake(context.Background(), workerConn)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkerHandshakeColdStartsOnVersionMismatch(t *testing.T) {
	workerConn, supervisorConn := pipeConns()
	defer workerConn.Close()
	defer supervisorConn.Close()

	stale := warmstate.Snapshot{Version: warmstate.SnapshotVersion + 1, SessionID: "stale"}
	go func() {
		_ = warmstate.SupervisorHandshake(context.Background(), supervisorConn, &stale)
	}()

	_, ok, err := warmstate.WorkerHandshake(context.Background(), workerConn)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkerHandshakeTimesOutWithNoReply(t *testing.T) {
	workerConn, supervisorConn := pipeConns()
	defer workerConn.Close()
	defer supervisorConn.Close()

	// Drain the ready message but never reply. The context deadline is
	// shorter than the package's 2s ReadyTimeout, so it ends the wait
	// first and WorkerHandshake returns the context's error.
	go func() { _, _ = supervisorConn.Receive() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok, err := warmstate.WorkerHandshake(ctx, workerConn)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestListenCreatesSocketAndRemovesStaleFile(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "worker.sock")

	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o644))

	l, err := warmstate.Listen(context.Background(), socketPath)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(socketPath)
	assert.NoError(t, err)
}

func TestSnapshotToRecordCarriesMessagesPageStateAndSpend(t *testing.T) {
	snap := warmstate.Snapshot{
		SessionID: "s1",
		Messages:  []vm.Message{{Role: vm.RoleAssistant, Content: "ok"}},
		PageState: vm.PageState{PinnedIDs: []string{"p1"}},
		Spend:     runtime.Usage{InputTokens: 42},
	}

	record := snap.ToRecord()
	assert.Equal(t, "s1", record.ID)
	require.Len(t, record.Messages, 1)
	assert.Equal(t, []string{"p1"}, record.PageState.PinnedIDs)
	assert.Equal(t, 42, record.Usage.InputTokens)
}
