package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
	ws "github.com/lllypuk/beacon/internal/infrastructure/websocket"
)

const (
	settle      = 10 * time.Millisecond
	waitTimeout = time.Second
)

// stubJoiner authorizes joins against a fixed set of operations.
type stubJoiner struct {
	snapshots map[string]*run.Snapshot
	forbidden map[string]bool
}

func newStubJoiner() *stubJoiner {
	return &stubJoiner{
		snapshots: make(map[string]*run.Snapshot),
		forbidden: make(map[string]bool),
	}
}

func (j *stubJoiner) allow(operationID string) {
	j.snapshots[operationID] = run.NewSnapshot(operationID, "", "res-1", time.Now())
}

func (j *stubJoiner) Join(_ context.Context, _, operationID string) (*run.Snapshot, error) {
	if j.forbidden[operationID] {
		return nil, errs.ErrForbidden
	}
	snap, ok := j.snapshots[operationID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return snap, nil
}

// startHub runs the hub and waits for the loop to come up.
func startHub(t *testing.T) *ws.Hub {
	t.Helper()
	hub := ws.NewHub()
	go hub.Run(t.Context())
	require.Eventually(t, hub.IsRunning, waitTimeout, settle)
	return hub
}

func TestNewHub(t *testing.T) {
	hub := ws.NewHub(ws.WithHubLogger(nil))

	require.NotNil(t, hub)
	assert.False(t, hub.IsRunning())
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0, hub.RoomCount())
}

func TestHub_Run_StopsOnContextCancel(t *testing.T) {
	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	require.Eventually(t, hub.IsRunning, waitTimeout, settle)

	cancel()

	select {
	case <-done:
		assert.False(t, hub.IsRunning())
	case <-time.After(waitTimeout):
		t.Fatal("hub did not stop in time")
	}
}

func TestHub_Run_StopsOnStop(t *testing.T) {
	hub := ws.NewHub()

	done := make(chan struct{})
	go func() {
		hub.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, hub.IsRunning, waitTimeout, settle)

	hub.Stop()

	select {
	case <-done:
		assert.False(t, hub.IsRunning())
	case <-time.After(waitTimeout):
		t.Fatal("hub did not stop in time")
	}
}

func TestHub_Run_SecondRunReturnsImmediately(t *testing.T) {
	hub := startHub(t)

	done := make(chan struct{})
	go func() {
		hub.Run(t.Context())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("second Run call did not return immediately")
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := startHub(t)
	client := dialClient(t, hub, "alice")

	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, waitTimeout, settle)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, waitTimeout, settle)
}

func TestHub_JoinAndLeaveOperation(t *testing.T) {
	hub := startHub(t)
	client := dialClient(t, hub, "alice")
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, waitTimeout, settle)

	hub.JoinOperation(client, "op-1")
	assert.Equal(t, 1, hub.RoomCount())
	assert.Equal(t, 1, hub.WatcherCount("op-1"))
	assert.True(t, client.IsWatching("op-1"))

	hub.LeaveOperation(client, "op-1")
	assert.Equal(t, 0, hub.RoomCount())
	assert.Equal(t, 0, hub.WatcherCount("op-1"))
	assert.False(t, client.IsWatching("op-1"))
}

func TestHub_MultipleWatchersShareRoom(t *testing.T) {
	hub := startHub(t)
	alice := dialClient(t, hub, "alice")
	bob := dialClient(t, hub, "bob")
	hub.Register(alice)
	hub.Register(bob)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, waitTimeout, settle)

	hub.JoinOperation(alice, "op-1")
	hub.JoinOperation(bob, "op-1")

	assert.Equal(t, 1, hub.RoomCount())
	assert.Equal(t, 2, hub.WatcherCount("op-1"))
}

func TestHub_UnregisterPrunesEmptyRooms(t *testing.T) {
	hub := startHub(t)
	client := dialClient(t, hub, "alice")
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, waitTimeout, settle)
	hub.JoinOperation(client, "op-1")

	hub.Unregister(client)

	require.Eventually(t, func() bool { return hub.RoomCount() == 0 }, waitTimeout, settle)
}

func TestHub_BroadcastToOperation(t *testing.T) {
	hub := startHub(t)
	alice, aliceRecv := dialPumpedClient(t, hub, "alice")
	bob, bobRecv := dialPumpedClient(t, hub, "bob")
	hub.Register(alice)
	hub.Register(bob)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, waitTimeout, settle)

	t.Run("reaches every watcher", func(t *testing.T) {
		hub.JoinOperation(alice, "op-1")
		hub.JoinOperation(bob, "op-1")

		message := []byte(`{"type":"progress","operation_id":"op-1"}`)
		hub.BroadcastToOperation("op-1", message)

		assertReceived(t, aliceRecv, message)
		assertReceived(t, bobRecv, message)
	})

	t.Run("stays inside the room", func(t *testing.T) {
		hub.LeaveOperation(bob, "op-1")
		hub.JoinOperation(bob, "op-2")

		message := []byte(`{"type":"progress","operation_id":"op-1"}`)
		hub.BroadcastToOperation("op-1", message)

		assertReceived(t, aliceRecv, message)
		assertNotReceived(t, bobRecv)
	})
}

func TestHub_BroadcastSurvivesClosedClient(t *testing.T) {
	hub := startHub(t)
	closing, _ := dialPumpedClient(t, hub, "alice")
	watcher, watcherRecv := dialPumpedClient(t, hub, "bob")
	hub.Register(closing)
	hub.Register(watcher)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, waitTimeout, settle)

	hub.JoinOperation(closing, "op-1")
	hub.JoinOperation(watcher, "op-1")

	// A write failure tears the connection down before the hub hears about
	// it; at that point the client is still a room member.
	closing.Close()

	message := []byte(`{"type":"progress","operation_id":"op-1"}`)
	hub.BroadcastToOperation("op-1", message)

	assertReceived(t, watcherRecv, message)
	assert.True(t, hub.IsRunning())
}

// dialClient builds a hub client over a real server-side websocket
// connection without running its pumps.
func dialClient(t *testing.T, hub *ws.Hub, principal string) *ws.Client {
	t.Helper()

	server, clientConn := wsPair(t)
	t.Cleanup(func() {
		_ = server.Close()
		_ = clientConn.Close()
	})

	return ws.NewClient(hub, server, newStubJoiner(), principal)
}

// dialPumpedClient additionally runs the write pump and captures everything
// the browser-side connection receives.
func dialPumpedClient(t *testing.T, hub *ws.Hub, principal string) (*ws.Client, chan []byte) {
	t.Helper()

	server, clientConn := wsPair(t)
	client := ws.NewClient(hub, server, newStubJoiner(), principal)
	recv := make(chan []byte, 10)

	go func() {
		for {
			_, msg, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case recv <- msg:
			default:
			}
		}
	}()
	go client.WritePump()

	t.Cleanup(func() {
		client.Close()
		_ = clientConn.Close()
	})

	return client, recv
}

// wsPair upgrades a loopback connection and returns both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	serverConns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	select {
	case serverConn := <-serverConns:
		return serverConn, clientConn
	case <-time.After(waitTimeout):
		clientConn.Close()
		t.Fatal("server side of websocket pair never arrived")
		return nil, nil
	}
}

func assertReceived(t *testing.T, ch chan []byte, expected []byte) {
	t.Helper()
	select {
	case received := <-ch:
		var want, got any
		require.NoError(t, json.Unmarshal(expected, &want))
		require.NoError(t, json.Unmarshal(received, &got))
		assert.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Error("expected to receive message but did not")
	}
}

func assertNotReceived(t *testing.T, ch chan []byte) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("expected no message but received: %s", string(msg))
	case <-time.After(50 * time.Millisecond):
	}
}
