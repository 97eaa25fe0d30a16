package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/clipmail/clipmail-api/internal/batch"
	"github.com/clipmail/clipmail-api/internal/dispatch"
	"github.com/clipmail/clipmail-api/internal/ledger"
	"github.com/clipmail/clipmail-api/internal/media"
	"github.com/clipmail/clipmail-api/internal/segment"
	"github.com/clipmail/clipmail-api/internal/storage"
)

// Static errors for pipeline operations.
var (
	// ErrNotReady is returned when a send is requested before segmentation.
	ErrNotReady = errors.New("session has no segments ready to send")
	// ErrEmptySelection is returned when a send names no segments.
	ErrEmptySelection = errors.New("selection is empty")
	// ErrNotTerminal is returned when reset is requested mid-delivery.
	ErrNotTerminal = errors.New("session is not in a terminal state")
	// ErrSendInProgress is returned when an upload arrives while a
	// dispatch is in flight.
	ErrSendInProgress = errors.New("a delivery is in progress")
)

// History records delivery attempts in the durable ledger.
type History interface {
	Append(ctx context.Context, att ledger.DeliveryAttempt) error
}

// BatchDispatcher sends batches and reports the aggregate outcome.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, batches []batch.Batch, recipient string) dispatch.Result
}

// Service orchestrates the delivery pipeline:
// upload → probe → segment → (selection) → batch → dispatch → ledger.
type Service struct {
	repo       Repository
	tool       media.Tool
	store      storage.Store
	segmenter  *segment.Segmenter
	dispatcher BatchDispatcher
	history    History
	logger     *slog.Logger

	targetBytes int64
	capBytes    int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTargetBytes sets the per-segment target size.
func WithTargetBytes(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.targetBytes = n
		}
	}
}

// WithMessageCap sets the per-message byte cap used for batching.
func WithMessageCap(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.capBytes = n
		}
	}
}

// NewService creates a Service with the given collaborators.
func NewService(
	repo Repository,
	tool media.Tool,
	store storage.Store,
	segmenter *segment.Segmenter,
	dispatcher BatchDispatcher,
	history History,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:        repo,
		tool:        tool,
		store:       store,
		segmenter:   segmenter,
		dispatcher:  dispatcher,
		history:     history,
		logger:      logger,
		targetBytes: 9961472,  // 9.5 MiB
		capBytes:    20971520, // 20 MiB
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession creates a new idle pipeline session.
func (s *Service) CreateSession(ctx context.Context) (*Session, error) {
	session := New()

	s.logger.Info("creating session", slog.String("session_id", session.ID))

	if err := s.repo.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.FindByID(ctx, sessionID)
}

// Upload receives one recording, probes it, and materializes its segments.
// Re-uploading the recording the session already holds (same name and size)
// while segmented is a no-op; a distinct upload invalidates prior segments.
// Probe and segmentation failures abort the pipeline before any send and
// are recorded in the delivery history.
func (s *Service) Upload(ctx context.Context, sessionID, filename string, data io.Reader) (*Session, error) {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	assetPath, err := s.store.SaveTemp(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	info, err := os.Stat(assetPath)
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}
	sizeBytes := info.Size()

	// Idempotent re-upload: same identity while already segmented.
	if session.GetState() == StateSegmented && session.HoldsAsset(filename, sizeBytes) {
		_ = s.store.Cleanup(ctx, []string{assetPath})
		s.logger.Info("identical upload ignored, session already segmented",
			slog.String("session_id", session.ID),
			slog.String("asset", filename),
		)
		return session, nil
	}

	// An in-flight dispatch is still reading segment files; replacing the
	// asset now would pull them out from under it. Nothing has been
	// mutated yet, so the session stays sendable.
	if session.GetState() == StateSending {
		_ = s.store.Cleanup(ctx, []string{assetPath})
		return session, ErrSendInProgress
	}

	// A distinct upload invalidates whatever the session held before.
	s.discardArtifacts(ctx, session)

	probed, err := s.tool.Probe(ctx, assetPath)
	if err != nil {
		session.SetAsset(segment.Asset{Name: filename, Path: assetPath, SizeBytes: sizeBytes})
		_ = session.TransitionTo(StateUploaded)
		s.abort(ctx, session, sizeBytes, fmt.Sprintf("probe failed: %v", err))
		return session, err
	}

	asset := segment.Asset{
		Name:      filename,
		Path:      assetPath,
		Duration:  probed.Duration,
		SizeBytes: probed.SizeBytes,
	}
	session.SetAsset(asset)
	if err := session.TransitionTo(StateUploaded); err != nil {
		return nil, err
	}

	outDir, err := s.store.SessionDir(session.ID)
	if err != nil {
		s.abort(ctx, session, asset.SizeBytes, fmt.Sprintf("segment storage unavailable: %v", err))
		return session, err
	}

	segments, err := s.segmenter.PlanAndSegment(ctx, asset, s.targetBytes, outDir)
	if err != nil {
		s.abort(ctx, session, asset.SizeBytes, fmt.Sprintf("segmentation failed: %v", err))
		return session, err
	}

	// The raw upload is owned by this invocation and discarded once
	// segmentation completes; only the segments remain.
	_ = s.store.Cleanup(ctx, []string{assetPath})

	session.SetSegments(segments)
	if err := session.TransitionTo(StateSegmented); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("upload segmented",
		slog.String("session_id", session.ID),
		slog.String("asset", filename),
		slog.Int64("size_bytes", asset.SizeBytes),
		slog.Int("segments", len(segments)),
	)
	return session, nil
}

// Send batches the selected segments and dispatches them to recipient,
// recording the outcome in the delivery history. The send is synchronous;
// cancellation only happens through Cancel, not by abandoning the request.
func (s *Service) Send(ctx context.Context, sessionID, recipient string, indexes []int) (*Session, error) {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.GetState() != StateSegmented {
		return session, ErrNotReady
	}

	selected, err := session.SegmentsByIndex(indexes)
	if err != nil {
		return session, err
	}
	if len(selected) == 0 {
		return session, ErrEmptySelection
	}

	if err := session.TransitionTo(StateSelected); err != nil {
		return session, err
	}
	if err := session.TransitionTo(StateSending); err != nil {
		return session, err
	}

	// Detach from the request context: client abandonment must not be
	// confused with an explicit cancellation.
	sendCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session.SetCancel(cancel)
	defer func() {
		cancel()
		session.SetCancel(nil)
	}()

	batches := batch.Pack(selected, s.capBytes)
	result := s.dispatcher.Dispatch(sendCtx, batches, recipient)
	session.SetResult(result)

	state := stateForAggregate(result.Status)
	if err := session.TransitionTo(state); err != nil {
		return session, err
	}

	s.logger.Info("dispatch finished",
		slog.String("session_id", session.ID),
		slog.String("recipient", recipient),
		slog.String("status", string(result.Status)),
		slog.Int("batches", len(batches)),
		slog.Int64("attempted_bytes", result.AttemptedBytes),
	)

	if result.Status == dispatch.StatusSuccess {
		s.archiveSegments(sendCtx, session, selected)
	}

	// The send outcome is authoritative even if it cannot be recorded;
	// a ledger failure is surfaced but does not undo the delivery. The row
	// is written on a detached context: neither a dropped client connection
	// nor an explicit cancellation may lose the record of what was sent.
	if err := s.history.Append(context.WithoutCancel(ctx), ledger.DeliveryAttempt{
		Recipient:  recipient,
		TotalBytes: result.AttemptedBytes,
		Status:     ledgerStatus(result.Status),
		Detail:     result.Detail(),
	}); err != nil {
		s.logger.Error("failed to record delivery attempt",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return session, fmt.Errorf("record delivery attempt: %w", err)
	}

	return session, nil
}

// Cancel interrupts an in-flight dispatch between batch sends.
// Returns false when no dispatch is in flight.
func (s *Service) Cancel(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	cancelled := session.CancelSend()
	if cancelled {
		s.logger.Info("dispatch cancellation requested",
			slog.String("session_id", session.ID),
		)
	}
	return cancelled, nil
}

// Reset returns a terminal session to idle, discarding held artifacts.
// Never happens automatically; only through this explicit action.
func (s *Service) Reset(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.GetState().IsTerminal() {
		return session, ErrNotTerminal
	}

	s.discardArtifacts(ctx, session)
	session.SetAsset(segment.Asset{})
	if err := session.TransitionTo(StateIdle); err != nil {
		return session, err
	}
	if err := s.repo.Save(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("session reset", slog.String("session_id", session.ID))
	return session, nil
}

// abort marks the session aborted before any send attempt and records the
// abort in the delivery history, uniformly for probe, segmentation, and
// storage failures. No recipient exists yet at this point.
func (s *Service) abort(ctx context.Context, session *Session, sizeBytes int64, reason string) {
	session.SetError(reason)
	_ = session.TransitionTo(StateAborted)
	_ = s.repo.Save(ctx, session)

	s.logger.Warn("pipeline aborted before send",
		slog.String("session_id", session.ID),
		slog.String("reason", reason),
	)

	if err := s.history.Append(ctx, ledger.DeliveryAttempt{
		Recipient:  "",
		TotalBytes: sizeBytes,
		Status:     ledger.StatusAborted,
		Detail:     reason,
	}); err != nil {
		s.logger.Error("failed to record abort",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
}

// discardArtifacts removes the session's stored asset and segment files.
func (s *Service) discardArtifacts(ctx context.Context, session *Session) {
	snapshot := session.Clone()

	var paths []string
	if snapshot.Asset.Path != "" {
		paths = append(paths, snapshot.Asset.Path)
	}
	for _, seg := range snapshot.Segments {
		paths = append(paths, seg.Path)
	}
	if len(paths) == 0 {
		return
	}
	if err := s.store.Cleanup(ctx, paths); err != nil {
		s.logger.Warn("failed to clean up session artifacts",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
}

// archiveSegments copies delivered segments to the archive bucket when one
// is configured. Archive failures never affect the delivery outcome.
func (s *Service) archiveSegments(ctx context.Context, session *Session, segments []segment.Segment) {
	for _, seg := range segments {
		rc, err := s.store.Open(ctx, seg.Path)
		if err != nil {
			s.logger.Warn("failed to open segment for archiving",
				slog.String("session_id", session.ID),
				slog.String("segment", seg.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		url, err := s.store.Archive(ctx, path.Join(session.ID, seg.Name), rc)
		_ = rc.Close()
		if err != nil {
			if errors.Is(err, storage.ErrArchiveNotConfigured) {
				return
			}
			s.logger.Warn("failed to archive segment",
				slog.String("session_id", session.ID),
				slog.String("segment", seg.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("segment archived",
			slog.String("session_id", session.ID),
			slog.String("segment", seg.Name),
			slog.String("url", url),
		)
	}
}

// stateForAggregate maps a dispatch outcome to the session state.
func stateForAggregate(status dispatch.AggregateStatus) State {
	switch status {
	case dispatch.StatusSuccess:
		return StateSent
	case dispatch.StatusPartialFailure:
		return StatePartialFailure
	default:
		return StateFailed
	}
}

// ledgerStatus maps a dispatch outcome to the recorded history status.
func ledgerStatus(status dispatch.AggregateStatus) ledger.Status {
	switch status {
	case dispatch.StatusSuccess:
		return ledger.StatusSuccess
	case dispatch.StatusPartialFailure:
		return ledger.StatusPartialFailure
	default:
		return ledger.StatusFailure
	}
}
