package portal

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenworks/cadence/engine"
	"github.com/lumenworks/cadence/syncctl"
	"github.com/lumenworks/cadence/types"
	"github.com/lumenworks/cadence/upload"
)

// syncClient is the player side of the sync link: a conn plus a write
// mutex so probe echoes and test-driven messages can interleave.
type syncClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *syncClient) send(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		t.Errorf("client write failed: %v", err)
	}
}

// Full sync handshake over a real WebSocket: start request, probe
// echoes, scheduled start, heartbeat, stop.
func TestSyncWebSocketSession(t *testing.T) {
	uploads, err := upload.NewManager(upload.Config{Dir: t.TempDir(), DeviceID: "lamp-01"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(uploads.Close)

	eng := engine.New(engine.Config{DeviceID: "lamp-01", Uploads: uploads})
	artifactPath := filepath.Join(t.TempDir(), "track.features")
	if err := os.WriteFile(artifactPath, featureArtifact(t, 50), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.LoadArtifact(artifactPath); err != nil {
		t.Fatal(err)
	}

	p := New(Config{
		Engine:  eng,
		Uploads: uploads,
		Sync: syncctl.Config{
			ProbeCount:         3,
			ProbeTimeout:       300 * time.Millisecond,
			ProbeInterval:      time.Millisecond,
			SafetyMargin:       20 * time.Millisecond,
			CorrectionInterval: 10 * time.Millisecond,
		},
	})
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	client := &syncClient{conn: conn}

	var gotStart, gotMetrics atomic.Bool
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			switch env.Type {
			case types.MsgTypeProbe:
				var probe types.ProbeMessage
				if err := json.Unmarshal(data, &probe); err != nil {
					continue
				}
				client.send(t, &types.ProbeResponseMessage{
					Type:         types.MsgTypeProbeResponse,
					Sequence:     probe.Sequence,
					DeviceTimeMs: probe.DeviceTimeMs,
				})
			case types.MsgTypeScheduledStart:
				gotStart.Store(true)
			case types.MsgTypeSyncMetrics:
				gotMetrics.Store(true)
			}
		}
	}()

	client.send(t, map[string]string{"type": types.MsgTypeStartSync})

	waitFor(t, 2*time.Second, func() bool { return gotStart.Load() },
		"never received scheduled_start")
	waitFor(t, 2*time.Second, func() bool {
		ctrl := eng.Sync()
		return ctrl != nil && ctrl.Active()
	}, "controller never activated")

	client.send(t, &types.HeartbeatMessage{Type: types.MsgTypeHeartbeat, ClientElapsedMs: 5})

	// A second start while a session is live is refused, not fatal.
	client.send(t, map[string]string{"type": types.MsgTypeStartSync})

	client.send(t, &types.StopMessage{Type: types.MsgTypeStop, Reason: "test_done"})
	waitFor(t, 2*time.Second, func() bool { return eng.Sync() == nil },
		"session not torn down after stop")
}

// Disconnecting mid-session tears the sync session down.
func TestSyncWebSocketDisconnectEndsSession(t *testing.T) {
	uploads, err := upload.NewManager(upload.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(uploads.Close)

	eng := engine.New(engine.Config{Uploads: uploads})
	artifactPath := filepath.Join(t.TempDir(), "track.features")
	if err := os.WriteFile(artifactPath, featureArtifact(t, 10), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.LoadArtifact(artifactPath); err != nil {
		t.Fatal(err)
	}

	p := New(Config{
		Engine:  eng,
		Uploads: uploads,
		Sync: syncctl.Config{
			ProbeCount:    2,
			ProbeTimeout:  100 * time.Millisecond,
			ProbeInterval: time.Millisecond,
		},
	})
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	if err := conn.WriteJSON(map[string]string{"type": types.MsgTypeStartSync}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return eng.Sync() != nil },
		"session never attached")

	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return eng.Sync() == nil },
		"session survived client disconnect")
}

// A passive observer on the sync socket may come and go without
// touching the live session.
func TestSyncWebSocketObserverDisconnectHarmless(t *testing.T) {
	uploads, err := upload.NewManager(upload.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(uploads.Close)

	eng := engine.New(engine.Config{Uploads: uploads})
	artifactPath := filepath.Join(t.TempDir(), "track.features")
	if err := os.WriteFile(artifactPath, featureArtifact(t, 10), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.LoadArtifact(artifactPath); err != nil {
		t.Fatal(err)
	}

	p := New(Config{
		Engine:  eng,
		Uploads: uploads,
		Sync: syncctl.Config{
			ProbeCount:    2,
			ProbeTimeout:  500 * time.Millisecond,
			ProbeInterval: time.Millisecond,
		},
	})
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"
	player, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer player.Close()

	if err := player.WriteJSON(map[string]string{"type": types.MsgTypeStartSync}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return eng.Sync() != nil },
		"session never attached")

	observer, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("observer dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	observer.Close()

	// The session belongs to the player connection and must survive
	// the observer leaving.
	time.Sleep(100 * time.Millisecond)
	if eng.Sync() == nil {
		t.Fatal("observer disconnect ended the player's session")
	}
}
