// Package portal exposes the device's network surfaces: the chunked
// upload HTTP API and the WebSocket sync link. Handlers translate wire
// requests into upload.Manager and engine calls; all policy lives in
// those packages.
package portal

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/lumenworks/cadence/engine"
	"github.com/lumenworks/cadence/log"
	"github.com/lumenworks/cadence/metrics"
	"github.com/lumenworks/cadence/syncctl"
	"github.com/lumenworks/cadence/upload"
)

// Chunk transfer headers, matching the upload client contract.
const (
	HeaderSessionID     = "X-Session-ID"
	HeaderChunkIndex    = "X-Chunk-Index"
	HeaderChunkChecksum = "X-Chunk-Checksum"
)

// Config wires the portal to the device runtime.
type Config struct {
	Engine  *engine.Engine
	Uploads *upload.Manager
	// Sync is the per-session controller tuning handed to the engine.
	Sync    syncctl.Config
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Portal serves the upload API and the sync WebSocket.
type Portal struct {
	cfg Config
}

// New creates a portal.
func New(cfg Config) *Portal {
	return &Portal{cfg: cfg}
}

// Handler returns the portal's routing table.
func (p *Portal) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/session", p.handleCreateSession)
	mux.HandleFunc("POST /upload/chunk", p.handleChunk)
	mux.HandleFunc("POST /upload/finalize", p.handleFinalize)
	mux.HandleFunc("GET /sync", p.handleSync)
	mux.HandleFunc("GET /status", p.handleStatus)
	mux.HandleFunc("GET /metrics", p.handleMetrics)
	return mux
}

type createSessionRequest struct {
	TotalChunks    int    `json:"total_chunks"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	Checksum       string `json:"checksum,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (p *Portal) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id, err := p.cfg.Uploads.CreateSession(req.TotalChunks, req.TotalSizeBytes, req.Checksum)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrSizeExceeded):
			writeError(w, http.StatusRequestEntityTooLarge, "size_exceeded", err.Error())
		case errors.Is(err, upload.ErrInvalidSession):
			writeError(w, http.StatusBadRequest, "invalid_session", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

type chunkResponse struct {
	Status string `json:"status"`
}

func (p *Portal) handleChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session_id", "X-Session-ID header required")
		return
	}
	index, err := strconv.Atoi(r.Header.Get(HeaderChunkIndex))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_chunk_index", "X-Chunk-Index header required")
		return
	}
	checksum := r.Header.Get(HeaderChunkChecksum)
	if checksum == "" {
		writeError(w, http.StatusBadRequest, "missing_checksum", "X-Chunk-Checksum header required")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed", err.Error())
		return
	}

	result, err := p.cfg.Uploads.AddChunk(sessionID, index, payload, checksum)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrUnknownSession):
			writeError(w, http.StatusNotFound, "unknown_session", err.Error())
		case errors.Is(err, upload.ErrIndexOutOfRange):
			writeError(w, http.StatusBadRequest, "index_out_of_range", err.Error())
		case errors.Is(err, upload.ErrChecksumMismatch):
			writeError(w, http.StatusBadRequest, "checksum_mismatch", err.Error())
		case errors.Is(err, upload.ErrSizeExceeded):
			writeError(w, http.StatusRequestEntityTooLarge, "size_exceeded", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	status := "accepted"
	if result == upload.DuplicateIgnored {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, chunkResponse{Status: status})
}

type finalizeResponse struct {
	Status        string `json:"status"`
	Checksum      string `json:"checksum,omitempty"`
	SizeBytes     int64  `json:"size_bytes,omitempty"`
	MissingChunks []int  `json:"missing_chunks,omitempty"`
}

func (p *Portal) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session_id", "X-Session-ID header required")
		return
	}

	result, err := p.cfg.Uploads.Finalize(sessionID)
	if err != nil {
		var incomplete *upload.IncompleteError
		switch {
		case errors.As(err, &incomplete):
			writeJSON(w, http.StatusConflict, finalizeResponse{
				Status:        "incomplete",
				MissingChunks: incomplete.Missing,
			})
		case errors.Is(err, upload.ErrUnknownSession):
			writeError(w, http.StatusNotFound, "unknown_session", err.Error())
		case errors.Is(err, upload.ErrArtifactChecksum):
			writeError(w, http.StatusUnprocessableEntity, "artifact_checksum_mismatch", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	// The finalized artifact becomes the active track immediately.
	if p.cfg.Engine != nil {
		if _, err := p.cfg.Engine.LoadArtifact(result.Path); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_artifact", err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, finalizeResponse{
		Status:    "ok",
		Checksum:  result.Checksum,
		SizeBytes: result.SizeBytes,
	})
}

type statusResponse struct {
	State           string  `json:"state"`
	LatencyMs       float64 `json:"latency_ms"`
	DeviceElapsedMs float64 `json:"device_elapsed_ms"`
	DriftMs         float64 `json:"drift_ms"`
	TrackDurationMs float64 `json:"track_duration_ms,omitempty"`
	UploadSessions  int     `json:"upload_sessions"`
}

func (p *Portal) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{State: syncctl.Idle.String()}
	if p.cfg.Uploads != nil {
		resp.UploadSessions = p.cfg.Uploads.SessionCount()
	}
	if p.cfg.Engine != nil {
		if header := p.cfg.Engine.Header(); header != nil {
			resp.TrackDurationMs = header.DurationMs
		}
		if ctrl := p.cfg.Engine.Sync(); ctrl != nil {
			st := ctrl.Status()
			resp.State = st.State.String()
			resp.LatencyMs = st.LatencyMs
			resp.DeviceElapsedMs = st.DeviceElapsedMs
			resp.DriftMs = st.DriftMs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type metricsResponse struct {
	DeviceID string `json:"device_id"`

	SessionsCreated   int64 `json:"sessions_created"`
	SessionsFinalized int64 `json:"sessions_finalized"`
	SessionsExpired   int64 `json:"sessions_expired"`
	ChunksAccepted    int64 `json:"chunks_accepted"`
	ChunksDuplicate   int64 `json:"chunks_duplicate"`
	ChunksRejected    int64 `json:"chunks_rejected"`

	FramesDecoded    int64 `json:"frames_decoded"`
	MalformedRecords int64 `json:"malformed_records"`
	TruncatedStreams int64 `json:"truncated_streams"`

	RingPushWaits int64 `json:"ring_push_waits"`
	RingFull      int64 `json:"ring_full"`
	RingEmptyPops int64 `json:"ring_empty_pops"`

	ProbesSent         int64 `json:"probes_sent"`
	ProbeTimeouts      int64 `json:"probe_timeouts"`
	CorrectionsApplied int64 `json:"corrections_applied"`
	FrameSkips         int64 `json:"frame_skips"`
	SyncFallbacks      int64 `json:"sync_fallbacks"`
}

func (p *Portal) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics_unavailable", "no collector configured")
		return
	}

	snap := p.cfg.Metrics.Snapshot()
	writeJSON(w, http.StatusOK, metricsResponse{
		DeviceID:           snap.DeviceID,
		SessionsCreated:    snap.SessionsCreated,
		SessionsFinalized:  snap.SessionsFinalized,
		SessionsExpired:    snap.SessionsExpired,
		ChunksAccepted:     snap.ChunksAccepted,
		ChunksDuplicate:    snap.ChunksDuplicate,
		ChunksRejected:     snap.ChunksRejected,
		FramesDecoded:      snap.FramesDecoded,
		MalformedRecords:   snap.MalformedRecords,
		TruncatedStreams:   snap.TruncatedStreams,
		RingPushWaits:      snap.RingPushWaits,
		RingFull:           snap.RingFull,
		RingEmptyPops:      snap.RingEmptyPops,
		ProbesSent:         snap.ProbesSent,
		ProbeTimeouts:      snap.ProbeTimeouts,
		CorrectionsApplied: snap.CorrectionsApplied,
		FrameSkips:         snap.FrameSkips,
		SyncFallbacks:      snap.SyncFallbacks,
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (p *Portal) logInfo(msg string, fields map[string]any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Info(msg, fields)
	}
}

func (p *Portal) logWarn(msg string, fields map[string]any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Warn(msg, fields)
	}
}
