// Package pipeline provides the Session aggregate for one audio delivery
// pipeline, with an explicit state machine, and the Service orchestrating
// probe, segmentation, batching, dispatch, and history recording.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clipmail/clipmail-api/internal/dispatch"
	"github.com/clipmail/clipmail-api/internal/pipeline/id"
	"github.com/clipmail/clipmail-api/internal/segment"
)

// State represents the current position of a Session in the workflow.
type State string

const (
	// StateIdle indicates the session holds no asset yet.
	StateIdle State = "IDLE"
	// StateUploaded indicates an asset was received but not yet segmented.
	StateUploaded State = "UPLOADED"
	// StateSegmented indicates segments exist and can be selected for delivery.
	StateSegmented State = "SEGMENTED"
	// StateSelected indicates a delivery selection was received.
	StateSelected State = "SELECTED"
	// StateSending indicates a dispatch is in flight.
	StateSending State = "SENDING"
	// StateSent indicates the last delivery fully succeeded.
	StateSent State = "SENT"
	// StatePartialFailure indicates the last delivery partially succeeded.
	StatePartialFailure State = "PARTIAL_FAILURE"
	// StateFailed indicates the last delivery delivered nothing.
	StateFailed State = "FAILED"
	// StateAborted indicates the pipeline stopped before any send attempt.
	StateAborted State = "ABORTED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrUnknownSegment is returned when a selection names an index the
// session has no segment for.
var ErrUnknownSegment = errors.New("selection names unknown segment indexes")

// validTransitions defines which state transitions are allowed.
// A distinct upload may arrive in any state except SENDING and reset to
// UPLOADED; a dispatch in flight must finish or be cancelled first.
// Terminal states otherwise move only via reset.
var validTransitions = map[State][]State{
	StateIdle:           {StateUploaded},
	StateUploaded:       {StateSegmented, StateAborted, StateUploaded},
	StateSegmented:      {StateSelected, StateUploaded},
	StateSelected:       {StateSending, StateUploaded},
	StateSending:        {StateSent, StatePartialFailure, StateFailed, StateAborted},
	StateSent:           {StateUploaded, StateIdle},
	StatePartialFailure: {StateUploaded, StateIdle},
	StateFailed:         {StateUploaded, StateIdle},
	StateAborted:        {StateUploaded, StateIdle},
}

// canTransition checks if a transition from one state to another is valid.
func canTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is a delivery outcome.
func (s State) IsTerminal() bool {
	switch s {
	case StateSent, StatePartialFailure, StateFailed, StateAborted:
		return true
	default:
		return false
	}
}

// Session represents one audio delivery pipeline invocation.
// The held asset and its segments are owned by this session; a distinct
// upload invalidates them.
type Session struct {
	mu sync.RWMutex

	// ID is the unique identifier for this session.
	ID string
	// State is the current workflow state.
	State State
	// Asset is the probed upload currently held, zero when idle.
	Asset segment.Asset
	// Segments are the materialized pieces of the current asset.
	Segments []segment.Segment
	// LastResult is the most recent dispatch outcome, nil before any send.
	LastResult *dispatch.Result
	// Error contains the abort reason when State is ABORTED.
	Error string
	// CreatedAt is when the session was created.
	CreatedAt time.Time
	// UpdatedAt is when the session was last updated.
	UpdatedAt time.Time

	// cancelSend interrupts an in-flight dispatch between batches.
	cancelSend context.CancelFunc
}

// New creates a new Session with a generated ID in the IDLE state.
func New() *Session {
	now := time.Now()
	return &Session{
		ID:        id.Generate(),
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewWithID creates a new Session with the specified ID.
// Useful for testing or when the ID is externally generated.
func NewWithID(sessionID string) *Session {
	now := time.Now()
	return &Session{
		ID:        sessionID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the session state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (s *Session) TransitionTo(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !canTransition(s.State, state) {
		return ErrInvalidTransition
	}

	s.State = state
	s.UpdatedAt = time.Now()
	return nil
}

// GetState returns the current state (thread-safe).
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// HoldsAsset reports whether an upload with the given identity (name and
// size) is the one this session already holds. Used to make re-uploads of
// the same recording idempotent.
func (s *Session) HoldsAsset(name string, sizeBytes int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Asset.Name == name && s.Asset.SizeBytes == sizeBytes && s.Asset.Name != ""
}

// SetAsset records a freshly probed upload and drops any prior segments.
func (s *Session) SetAsset(asset segment.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Asset = asset
	s.Segments = nil
	s.LastResult = nil
	s.Error = ""
	s.UpdatedAt = time.Now()
}

// SetSegments records the materialized segments for the current asset.
func (s *Session) SetSegments(segments []segment.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Segments = segments
	s.UpdatedAt = time.Now()
}

// SetResult records a dispatch outcome.
func (s *Session) SetResult(result dispatch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := result
	s.LastResult = &r
	s.UpdatedAt = time.Now()
}

// SetError records an abort reason.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Error = msg
	s.UpdatedAt = time.Now()
}

// SetCancel installs the cancellation hook for an in-flight dispatch.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelSend = cancel
}

// CancelSend interrupts an in-flight dispatch between batch sends.
// Returns false when no dispatch is in flight.
func (s *Session) CancelSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateSending || s.cancelSend == nil {
		return false
	}
	s.cancelSend()
	return true
}

// SegmentsByIndex resolves a selection of segment indexes, preserving the
// segments' own order regardless of the order indexes were given in.
func (s *Session) SegmentsByIndex(indexes []int) ([]segment.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		wanted[i] = true
	}

	var selected []segment.Segment
	for _, seg := range s.Segments {
		if wanted[seg.Index] {
			selected = append(selected, seg)
			delete(wanted, seg.Index)
		}
	}
	if len(wanted) > 0 {
		return nil, ErrUnknownSegment
	}
	return selected, nil
}

// Clone creates a deep copy of the session for safe reads.
// The cancellation hook is not carried over.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segments := make([]segment.Segment, len(s.Segments))
	copy(segments, s.Segments)

	var result *dispatch.Result
	if s.LastResult != nil {
		r := *s.LastResult
		r.Batches = make([]dispatch.BatchResult, len(s.LastResult.Batches))
		copy(r.Batches, s.LastResult.Batches)
		result = &r
	}

	return &Session{
		ID:         s.ID,
		State:      s.State,
		Asset:      s.Asset,
		Segments:   segments,
		LastResult: result,
		Error:      s.Error,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}
