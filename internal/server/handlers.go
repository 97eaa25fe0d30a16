package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clipmail/clipmail-api/internal/ledger"
	"github.com/clipmail/clipmail-api/internal/pipeline"
)

// maxUploadBytes bounds the size of an uploaded recording.
const maxUploadBytes = 1 << 30 // 1 GiB

// PipelineService is the pipeline surface the handlers depend on.
type PipelineService interface {
	CreateSession(ctx context.Context) (*pipeline.Session, error)
	GetSession(ctx context.Context, sessionID string) (*pipeline.Session, error)
	Upload(ctx context.Context, sessionID, filename string, data io.Reader) (*pipeline.Session, error)
	Send(ctx context.Context, sessionID, recipient string, indexes []int) (*pipeline.Session, error)
	Cancel(ctx context.Context, sessionID string) (bool, error)
	Reset(ctx context.Context, sessionID string) (*pipeline.Session, error)
}

// HistoryStore is the delivery history surface the handlers depend on.
type HistoryStore interface {
	ReadAll(ctx context.Context) ([]ledger.DeliveryAttempt, error)
	ReplaceAll(ctx context.Context, attempts []ledger.DeliveryAttempt) error
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service       PipelineService
	history       HistoryStore
	validator     *validator.Validate
	logger        *slog.Logger
	adminPassword string
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAdminPassword sets the password guarding the history rewrite
// endpoint. When empty, the endpoint is disabled.
func WithAdminPassword(password string) HandlerOption {
	return func(h *Handlers) {
		h.adminPassword = password
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service PipelineService, history HistoryStore, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:   service,
		history:   history,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSession handles POST /sessions requests.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.CreateSession(r.Context())
	if err != nil {
		h.logger.Error("failed to create session",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create session", "SESSION_CREATION_FAILED")
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

// GetSession handles GET /sessions/{id} requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID is required", "MISSING_SESSION_ID")
		return
	}

	session, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pipeline.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get session", "SESSION_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// Upload handles POST /sessions/{id}/upload requests. The recording is
// sent as the "file" part of a multipart form; probing and segmentation
// run synchronously before the response.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID is required", "MISSING_SESSION_ID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		h.logger.Warn("failed to read uploaded file",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required", "INVALID_UPLOAD")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "uploaded file has no name", "INVALID_UPLOAD")
		return
	}

	session, err := h.service.Upload(r.Context(), sessionID, header.Filename, file)
	if err != nil {
		if errors.Is(err, pipeline.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
			return
		}
		if errors.Is(err, pipeline.ErrSendInProgress) {
			writeError(w, http.StatusConflict, "a delivery is in progress", "SEND_IN_PROGRESS")
			return
		}
		// Probe and segmentation failures leave the session aborted; the
		// session body carries the reason.
		if session != nil && session.GetState() == pipeline.StateAborted {
			writeJSON(w, http.StatusUnprocessableEntity, sessionResponse(session))
			return
		}
		h.logger.Error("failed to process upload",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to process upload", "UPLOAD_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// Send handles POST /sessions/{id}/send requests. The send is synchronous:
// the response reports the aggregate outcome of every batch.
func (h *Handlers) Send(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID is required", "MISSING_SESSION_ID")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	session, err := h.service.Send(r.Context(), sessionID, req.Recipient, req.SegmentIndexes)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
			return
		case errors.Is(err, pipeline.ErrNotReady):
			writeError(w, http.StatusConflict, "session has no segments ready to send", "SESSION_NOT_READY")
			return
		case errors.Is(err, pipeline.ErrUnknownSegment), errors.Is(err, pipeline.ErrEmptySelection):
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_SELECTION")
			return
		}
		// The dispatch may have finished even though recording it failed;
		// report the session as it stands rather than discarding the outcome.
		h.logger.Error("send completed with error",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		if session != nil && session.GetState().IsTerminal() {
			writeJSON(w, http.StatusOK, sessionResponse(session))
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to send segments", "SEND_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// Cancel handles POST /sessions/{id}/cancel requests.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID is required", "MISSING_SESSION_ID")
		return
	}

	cancelled, err := h.service.Cancel(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pipeline.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
			return
		}
		h.logger.Error("failed to cancel dispatch",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel dispatch", "CANCEL_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}

// Reset handles POST /sessions/{id}/reset requests.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID is required", "MISSING_SESSION_ID")
		return
	}

	session, err := h.service.Reset(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
			return
		case errors.Is(err, pipeline.ErrNotTerminal):
			writeError(w, http.StatusConflict, "session is not in a terminal state", "SESSION_NOT_TERMINAL")
			return
		}
		h.logger.Error("failed to reset session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to reset session", "RESET_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// History handles GET /history requests.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.history.ReadAll(r.Context())
	if err != nil {
		h.logger.Error("failed to read delivery history",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read delivery history", "HISTORY_READ_FAILED")
		return
	}

	entries := make([]HistoryEntry, 0, len(attempts))
	for _, att := range attempts {
		entries = append(entries, HistoryEntry{
			ID:         att.ID,
			CreatedAt:  att.CreatedAt.Format(time.RFC3339),
			Recipient:  att.Recipient,
			TotalBytes: att.TotalBytes,
			Status:     string(att.Status),
			Detail:     att.Detail,
		})
	}

	writeJSON(w, http.StatusOK, HistoryResponse{Attempts: entries})
}

// ReplaceHistory handles PUT /history requests. The rewrite is a
// privileged administrative correction guarded by X-Admin-Password.
func (h *Handlers) ReplaceHistory(w http.ResponseWriter, r *http.Request) {
	if h.adminPassword == "" {
		writeError(w, http.StatusForbidden, "history rewrite is disabled", "ADMIN_DISABLED")
		return
	}
	given := r.Header.Get("X-Admin-Password")
	if subtle.ConstantTimeCompare([]byte(given), []byte(h.adminPassword)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin password", "ADMIN_UNAUTHORIZED")
		return
	}

	var req ReplaceHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	attempts := make([]ledger.DeliveryAttempt, 0, len(req.Attempts))
	for _, entry := range req.Attempts {
		att := ledger.DeliveryAttempt{
			Recipient:  entry.Recipient,
			TotalBytes: entry.TotalBytes,
			Status:     ledger.Status(entry.Status),
			Detail:     entry.Detail,
		}
		if entry.CreatedAt != "" {
			ts, err := time.Parse(time.RFC3339, entry.CreatedAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
				return
			}
			att.CreatedAt = ts
		}
		attempts = append(attempts, att)
	}

	if err := h.history.ReplaceAll(r.Context(), attempts); err != nil {
		h.logger.Error("failed to rewrite delivery history",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to rewrite delivery history", "HISTORY_REWRITE_FAILED")
		return
	}

	h.logger.Info("delivery history rewritten",
		slog.Int("attempts", len(attempts)),
	)

	w.WriteHeader(http.StatusNoContent)
}

// sessionResponse renders a consistent snapshot of a session.
func sessionResponse(session *pipeline.Session) SessionResponse {
	snap := session.Clone()

	resp := SessionResponse{
		ID:        snap.ID,
		State:     string(snap.State),
		Error:     snap.Error,
		CreatedAt: snap.CreatedAt.Format(time.RFC3339),
		UpdatedAt: snap.UpdatedAt.Format(time.RFC3339),
	}

	if snap.Asset.Name != "" {
		resp.Asset = &AssetInfo{
			Name:            snap.Asset.Name,
			DurationSeconds: snap.Asset.Duration,
			SizeBytes:       snap.Asset.SizeBytes,
		}
	}

	for _, seg := range snap.Segments {
		resp.Segments = append(resp.Segments, SegmentInfo{
			Index:     seg.Index,
			Name:      seg.Name,
			SizeBytes: seg.SizeBytes,
		})
	}

	if snap.LastResult != nil {
		info := &DeliveryInfo{
			Status:         string(snap.LastResult.Status),
			AttemptedBytes: snap.LastResult.AttemptedBytes,
			Detail:         snap.LastResult.Detail(),
		}
		for _, br := range snap.LastResult.Batches {
			info.Batches = append(info.Batches, BatchInfo{
				Number:    br.Number,
				Status:    string(br.Status),
				SizeBytes: br.SizeBytes,
				Detail:    br.Detail,
			})
		}
		resp.LastDelivery = info
	}

	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
