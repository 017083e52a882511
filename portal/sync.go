package portal

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenworks/cadence/syncctl"
	"github.com/lumenworks/cadence/types"
)

const (
	// writeWait bounds a single frame write on the conn.
	writeWait = 10 * time.Second
	// pongWait is the read deadline extension granted per pong.
	pongWait = 60 * time.Second
	// pingPeriod keeps pings ahead of the pong deadline.
	pingPeriod = (pongWait * 9) / 10
	// metricsPeriod paces the sync_metrics push while playing.
	metricsPeriod = time.Second
	// sendQueueDepth buffers outbound messages between the controller
	// and the single writer goroutine.
	sendQueueDepth = 64
)

// ErrSendQueueFull is returned when the outbound queue is saturated.
// The controller treats send failures as advisory.
var ErrSendQueueFull = errors.New("sync send queue full")

// The device serves players on the local network; origin checks do not
// apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsLink adapts a WebSocket conn to syncctl.Link. Sends enqueue onto a
// channel drained by the connection's single writer goroutine, so the
// controller never touches the conn directly. started marks the
// connection that owns the live session; passive observers (monitor
// clients) never set it, so their disconnects leave playback alone.
type wsLink struct {
	send    chan any
	started atomic.Bool
}

func newWSLink() *wsLink {
	return &wsLink{send: make(chan any, sendQueueDepth)}
}

func (l *wsLink) enqueue(v any) error {
	select {
	case l.send <- v:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (l *wsLink) SendProbe(m *types.ProbeMessage) error { return l.enqueue(m) }
func (l *wsLink) SendScheduledStart(m *types.ScheduledStartMessage) error {
	return l.enqueue(m)
}
func (l *wsLink) SendDriftCorrection(m *types.DriftCorrectionMessage) error {
	return l.enqueue(m)
}
func (l *wsLink) SendStop(m *types.StopMessage) error { return l.enqueue(m) }

// handleSync owns one sync WebSocket connection. The reader runs on the
// handler goroutine; a writer goroutine serializes all conn writes.
func (p *Portal) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logWarn("sync upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	link := newWSLink()
	done := make(chan struct{})
	go p.writeLoop(conn, link, done)

	p.logInfo("sync client connected", map[string]any{"remote": conn.RemoteAddr().String()})
	p.readLoop(r, conn, link)

	close(done)
	if link.started.Load() && p.cfg.Engine != nil {
		p.cfg.Engine.EndSync("client_disconnect")
	}
	conn.Close()
	p.logInfo("sync client disconnected", map[string]any{"remote": conn.RemoteAddr().String()})
}

func (p *Portal) readLoop(r *http.Request, conn *websocket.Conn, link *wsLink) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logWarn("sync read failed", map[string]any{"error": err.Error()})
			}
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			p.logWarn("sync message unparseable", map[string]any{"error": err.Error()})
			continue
		}

		switch env.Type {
		case types.MsgTypeStartSync:
			p.startSync(r, link)

		case types.MsgTypeProbeResponse:
			var m types.ProbeResponseMessage
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			if ctrl := p.syncController(); ctrl != nil {
				ctrl.HandleProbeResponse(&m)
			}

		case types.MsgTypeHeartbeat:
			var m types.HeartbeatMessage
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			if ctrl := p.syncController(); ctrl != nil {
				ctrl.HandleHeartbeat(&m)
			}

		case types.MsgTypeStop:
			var m types.StopMessage
			_ = json.Unmarshal(data, &m)
			reason := m.Reason
			if reason == "" {
				reason = "client_stop"
			}
			if p.cfg.Engine != nil {
				p.cfg.Engine.EndSync(reason)
			}

		default:
			p.logWarn("sync message ignored", map[string]any{"type": env.Type})
		}
	}
}

func (p *Portal) startSync(r *http.Request, link *wsLink) {
	if p.cfg.Engine == nil {
		_ = link.enqueue(&types.StopMessage{Type: types.MsgTypeStop, Reason: "engine_unavailable"})
		return
	}
	if _, err := p.cfg.Engine.BeginSync(r.Context(), link, p.cfg.Sync); err != nil {
		p.logWarn("sync start refused", map[string]any{"error": err.Error()})
		_ = link.enqueue(&types.StopMessage{Type: types.MsgTypeStop, Reason: err.Error()})
		return
	}
	link.started.Store(true)
}

func (p *Portal) syncController() *syncctl.Controller {
	if p.cfg.Engine == nil {
		return nil
	}
	return p.cfg.Engine.Sync()
}

// writeLoop is the connection's only writer. It drains the link queue,
// keeps the ping schedule, and pushes periodic sync metrics while a
// session is live.
func (p *Portal) writeLoop(conn *websocket.Conn, link *wsLink, done <-chan struct{}) {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	metricsTicker := time.NewTicker(metricsPeriod)
	defer metricsTicker.Stop()

	for {
		select {
		case v := <-link.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				return
			}

		case <-metricsTicker.C:
			ctrl := p.syncController()
			if ctrl == nil {
				continue
			}
			st := ctrl.Status()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(&types.SyncMetricsMessage{
				Type:            types.MsgTypeSyncMetrics,
				State:           st.State.String(),
				DeviceElapsedMs: st.DeviceElapsedMs,
				ClientElapsedMs: st.ClientElapsedMs,
				DriftMs:         st.DriftMs,
				LatencyMs:       st.LatencyMs,
			}); err != nil {
				return
			}

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
