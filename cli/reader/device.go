package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenworks/cadence/types"
)

// DeviceStatus mirrors the portal's GET /status payload.
type DeviceStatus struct {
	State           string  `json:"state"`
	LatencyMs       float64 `json:"latency_ms"`
	DeviceElapsedMs float64 `json:"device_elapsed_ms"`
	DriftMs         float64 `json:"drift_ms"`
	TrackDurationMs float64 `json:"track_duration_ms,omitempty"`
	UploadSessions  int     `json:"upload_sessions"`
}

// Client queries a running device's portal.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the device at addr (host:port or a
// full http URL).
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("device address required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", addr, err)
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Status fetches the device's current playback status.
func (c *Client) Status(ctx context.Context) (*DeviceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device status: unexpected status %d", resp.StatusCode)
	}
	var status DeviceStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("device status: %w", err)
	}
	return &status, nil
}

// MetricsStream is a passive subscription to the device's sync metrics.
// It attaches to the sync WebSocket without starting a session, so an
// observer can watch live playback without disturbing it.
type MetricsStream struct {
	conn    *websocket.Conn
	updates chan *types.SyncMetricsMessage
}

// StreamMetrics opens the metrics stream. The returned channel closes
// when the connection drops or Close is called.
func (c *Client) StreamMetrics(ctx context.Context) (*MetricsStream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/sync"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial device: %w", err)
	}

	s := &MetricsStream{
		conn:    conn,
		updates: make(chan *types.SyncMetricsMessage, 16),
	}
	go s.readLoop()
	return s, nil
}

// Updates returns the stream of metrics pushes.
func (s *MetricsStream) Updates() <-chan *types.SyncMetricsMessage {
	return s.updates
}

// Close tears down the connection. The device treats observer
// disconnects as harmless.
func (s *MetricsStream) Close() error {
	return s.conn.Close()
}

func (s *MetricsStream) readLoop() {
	defer close(s.updates)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type != types.MsgTypeSyncMetrics {
			continue
		}

		var m types.SyncMetricsMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}

		select {
		case s.updates <- &m:
		default:
			// A stalled consumer sheds updates rather than backing up
			// the socket.
		}
	}
}
