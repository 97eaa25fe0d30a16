package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clipmail/clipmail-api/internal/dispatch"
	"github.com/clipmail/clipmail-api/internal/ledger"
	"github.com/clipmail/clipmail-api/internal/pipeline"
	"github.com/clipmail/clipmail-api/internal/segment"
)

// mockPipeline implements PipelineService for testing.
type mockPipeline struct {
	mock.Mock
}

func (m *mockPipeline) CreateSession(ctx context.Context) (*pipeline.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Session), args.Error(1)
}

func (m *mockPipeline) GetSession(ctx context.Context, sessionID string) (*pipeline.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Session), args.Error(1)
}

func (m *mockPipeline) Upload(ctx context.Context, sessionID, filename string, data io.Reader) (*pipeline.Session, error) {
	args := m.Called(ctx, sessionID, filename, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Session), args.Error(1)
}

func (m *mockPipeline) Send(ctx context.Context, sessionID, recipient string, indexes []int) (*pipeline.Session, error) {
	args := m.Called(ctx, sessionID, recipient, indexes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Session), args.Error(1)
}

func (m *mockPipeline) Cancel(ctx context.Context, sessionID string) (bool, error) {
	args := m.Called(ctx, sessionID)
	return args.Bool(0), args.Error(1)
}

func (m *mockPipeline) Reset(ctx context.Context, sessionID string) (*pipeline.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Session), args.Error(1)
}

// mockHistory implements HistoryStore for testing.
type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) ReadAll(ctx context.Context) ([]ledger.DeliveryAttempt, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.DeliveryAttempt), args.Error(1)
}

func (m *mockHistory) ReplaceAll(ctx context.Context, attempts []ledger.DeliveryAttempt) error {
	args := m.Called(ctx, attempts)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRouter(svc PipelineService, history HistoryStore, opts ...HandlerOption) http.Handler {
	h := NewHandlers(svc, history, testLogger(), opts...)
	return NewRouter(h, testLogger(), DefaultConfig())
}

func segmentedSession(id string) *pipeline.Session {
	s := pipeline.NewWithID(id)
	s.SetAsset(segment.Asset{Name: "voice.mp3", Duration: 600, SizeBytes: 27 * 1024 * 1024})
	_ = s.TransitionTo(pipeline.StateUploaded)
	s.SetSegments([]segment.Segment{
		{Index: 1, Name: "rec_part1.mp3", SizeBytes: 100},
		{Index: 2, Name: "rec_part2.mp3", SizeBytes: 200},
	})
	_ = s.TransitionTo(pipeline.StateSegmented)
	return s
}

func multipartUpload(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func TestHealth(t *testing.T) {
	router := newTestRouter(new(mockPipeline), new(mockHistory))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestCreateSession(t *testing.T) {
	svc := new(mockPipeline)
	svc.On("CreateSession", mock.Anything).Return(pipeline.NewWithID("ses-new"), nil)

	router := newTestRouter(svc, new(mockHistory))

	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ses-new", resp.ID)
	assert.Equal(t, "IDLE", resp.State)
}

func TestGetSession(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		svc := new(mockPipeline)
		svc.On("GetSession", mock.Anything, "ses-1").Return(segmentedSession("ses-1"), nil)

		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodGet, "/sessions/ses-1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp SessionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "SEGMENTED", resp.State)
		require.NotNil(t, resp.Asset)
		assert.Equal(t, "voice.mp3", resp.Asset.Name)
		assert.Len(t, resp.Segments, 2)
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(mockPipeline)
		svc.On("GetSession", mock.Anything, "ses-missing").Return(nil, pipeline.ErrSessionNotFound)

		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodGet, "/sessions/ses-missing", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUpload(t *testing.T) {
	t.Run("successful upload", func(t *testing.T) {
		svc := new(mockPipeline)
		svc.On("Upload", mock.Anything, "ses-1", "voice.mp3", mock.Anything).
			Return(segmentedSession("ses-1"), nil)

		router := newTestRouter(svc, new(mockHistory))

		body, contentType := multipartUpload(t, "file", "voice.mp3", "audio-bytes")
		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp SessionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "SEGMENTED", resp.State)
		svc.AssertExpectations(t)
	})

	t.Run("missing file part", func(t *testing.T) {
		router := newTestRouter(new(mockPipeline), new(mockHistory))

		body, contentType := multipartUpload(t, "wrong", "voice.mp3", "audio-bytes")
		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejected while a delivery is in flight", func(t *testing.T) {
		svc := new(mockPipeline)
		svc.On("Upload", mock.Anything, "ses-busy", "other.mp3", mock.Anything).
			Return(segmentedSession("ses-busy"), pipeline.ErrSendInProgress)

		router := newTestRouter(svc, new(mockHistory))

		body, contentType := multipartUpload(t, "file", "other.mp3", "other-bytes")
		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-busy/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("aborted pipeline reports the reason", func(t *testing.T) {
		aborted := pipeline.NewWithID("ses-bad")
		aborted.SetAsset(segment.Asset{Name: "junk.mp3", SizeBytes: 4})
		_ = aborted.TransitionTo(pipeline.StateUploaded)
		aborted.SetError("probe failed: duration not available")
		_ = aborted.TransitionTo(pipeline.StateAborted)

		svc := new(mockPipeline)
		svc.On("Upload", mock.Anything, "ses-bad", "junk.mp3", mock.Anything).
			Return(aborted, errors.New("probe failed"))

		router := newTestRouter(svc, new(mockHistory))

		body, contentType := multipartUpload(t, "file", "junk.mp3", "junk")
		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-bad/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		var resp SessionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "ABORTED", resp.State)
		assert.Contains(t, resp.Error, "probe failed")
	})
}

func TestSend(t *testing.T) {
	sendBody := func(t *testing.T, req SendRequest) *bytes.Reader {
		t.Helper()
		raw, err := json.Marshal(req)
		require.NoError(t, err)
		return bytes.NewReader(raw)
	}

	t.Run("successful send", func(t *testing.T) {
		sent := segmentedSession("ses-1")
		_ = sent.TransitionTo(pipeline.StateSelected)
		_ = sent.TransitionTo(pipeline.StateSending)
		sent.SetResult(dispatch.Result{
			Status: dispatch.StatusSuccess,
			Batches: []dispatch.BatchResult{
				{Number: 1, Status: dispatch.OutcomeSent, SizeBytes: 300},
			},
			AttemptedBytes: 300,
		})
		_ = sent.TransitionTo(pipeline.StateSent)

		svc := new(mockPipeline)
		svc.On("Send", mock.Anything, "ses-1", "user@example.com", []int{1, 2}).
			Return(sent, nil)

		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/send",
			sendBody(t, SendRequest{Recipient: "user@example.com", SegmentIndexes: []int{1, 2}}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp SessionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "SENT", resp.State)
		require.NotNil(t, resp.LastDelivery)
		assert.Equal(t, "success", resp.LastDelivery.Status)
		require.Len(t, resp.LastDelivery.Batches, 1)
	})

	t.Run("invalid recipient rejected before the service", func(t *testing.T) {
		svc := new(mockPipeline)
		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/send",
			sendBody(t, SendRequest{Recipient: "not-an-email", SegmentIndexes: []int{1}}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "Send")
	})

	t.Run("empty selection rejected before the service", func(t *testing.T) {
		svc := new(mockPipeline)
		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/send",
			sendBody(t, SendRequest{Recipient: "user@example.com"}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "Send")
	})

	t.Run("not ready", func(t *testing.T) {
		svc := new(mockPipeline)
		svc.On("Send", mock.Anything, "ses-1", "user@example.com", []int{1}).
			Return(pipeline.NewWithID("ses-1"), pipeline.ErrNotReady)

		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/send",
			sendBody(t, SendRequest{Recipient: "user@example.com", SegmentIndexes: []int{1}}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown segment index", func(t *testing.T) {
		svc := new(mockPipeline)
		svc.On("Send", mock.Anything, "ses-1", "user@example.com", []int{9}).
			Return(segmentedSession("ses-1"), pipeline.ErrUnknownSegment)

		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/send",
			sendBody(t, SendRequest{Recipient: "user@example.com", SegmentIndexes: []int{9}}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancel(t *testing.T) {
	svc := new(mockPipeline)
	svc.On("Cancel", mock.Anything, "ses-1").Return(true, nil)

	router := newTestRouter(svc, new(mockHistory))

	req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp CancelResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Cancelled)
}

func TestReset(t *testing.T) {
	t.Run("terminal session resets", func(t *testing.T) {
		svc := new(mockPipeline)
		svc.On("Reset", mock.Anything, "ses-1").Return(pipeline.NewWithID("ses-1"), nil)

		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/reset", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp SessionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "IDLE", resp.State)
	})

	t.Run("mid-delivery reset rejected", func(t *testing.T) {
		svc := new(mockPipeline)
		svc.On("Reset", mock.Anything, "ses-1").
			Return(segmentedSession("ses-1"), pipeline.ErrNotTerminal)

		router := newTestRouter(svc, new(mockHistory))

		req := httptest.NewRequest(http.MethodPost, "/sessions/ses-1/reset", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestHistory(t *testing.T) {
	history := new(mockHistory)
	history.On("ReadAll", mock.Anything).Return([]ledger.DeliveryAttempt{
		{
			ID:         2,
			CreatedAt:  time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
			Recipient:  "user@example.com",
			TotalBytes: 300,
			Status:     ledger.StatusSuccess,
			Detail:     "all 1 batches sent",
		},
		{
			ID:        1,
			CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Status:    ledger.StatusAborted,
			Detail:    "probe failed",
		},
	}, nil)

	router := newTestRouter(new(mockPipeline), history)

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "success", resp.Attempts[0].Status)
	assert.Empty(t, resp.Attempts[1].Recipient)
}

func TestReplaceHistory(t *testing.T) {
	requestBody := func(t *testing.T) *bytes.Reader {
		t.Helper()
		raw, err := json.Marshal(ReplaceHistoryRequest{
			Attempts: []ReplaceHistoryEntry{
				{Recipient: "user@example.com", TotalBytes: 100, Status: "success"},
			},
		})
		require.NoError(t, err)
		return bytes.NewReader(raw)
	}

	t.Run("disabled without configured password", func(t *testing.T) {
		router := newTestRouter(new(mockPipeline), new(mockHistory))

		req := httptest.NewRequest(http.MethodPut, "/history", requestBody(t))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		router := newTestRouter(new(mockPipeline), new(mockHistory),
			WithAdminPassword("letmein"))

		req := httptest.NewRequest(http.MethodPut, "/history", requestBody(t))
		req.Header.Set("X-Admin-Password", "wrong")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authorized rewrite", func(t *testing.T) {
		history := new(mockHistory)
		history.On("ReplaceAll", mock.Anything, mock.MatchedBy(func(attempts []ledger.DeliveryAttempt) bool {
			return len(attempts) == 1 && attempts[0].Status == ledger.StatusSuccess
		})).Return(nil)

		router := newTestRouter(new(mockPipeline), history,
			WithAdminPassword("letmein"))

		req := httptest.NewRequest(http.MethodPut, "/history", requestBody(t))
		req.Header.Set("X-Admin-Password", "letmein")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		history.AssertExpectations(t)
	})

	t.Run("invalid status rejected", func(t *testing.T) {
		raw, err := json.Marshal(ReplaceHistoryRequest{
			Attempts: []ReplaceHistoryEntry{{Status: "nonsense"}},
		})
		require.NoError(t, err)

		router := newTestRouter(new(mockPipeline), new(mockHistory),
			WithAdminPassword("letmein"))

		req := httptest.NewRequest(http.MethodPut, "/history", bytes.NewReader(raw))
		req.Header.Set("X-Admin-Password", "letmein")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
