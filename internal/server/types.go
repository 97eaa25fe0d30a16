// Package server provides the HTTP server for the clipmail API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

// SendRequest is the HTTP request body for dispatching selected segments.
type SendRequest struct {
	// Recipient is the destination email address.
	Recipient string `json:"recipient" validate:"required,email"`
	// SegmentIndexes names the segments to send, by index.
	SegmentIndexes []int `json:"segment_indexes" validate:"required,min=1"`
}

// AssetInfo describes the recording a session holds.
type AssetInfo struct {
	// Name is the original filename of the recording.
	Name string `json:"name"`
	// DurationSeconds is the playable length reported by the probe.
	DurationSeconds float64 `json:"duration_seconds"`
	// SizeBytes is the recording size in bytes.
	SizeBytes int64 `json:"size_bytes"`
}

// SegmentInfo describes one materialized segment.
type SegmentInfo struct {
	// Index identifies the segment within its session.
	Index int `json:"index"`
	// Name is the segment filename.
	Name string `json:"name"`
	// SizeBytes is the segment size in bytes.
	SizeBytes int64 `json:"size_bytes"`
}

// BatchInfo describes the outcome of one dispatched batch.
type BatchInfo struct {
	// Number is the 1-based position of the batch in the send.
	Number int `json:"number"`
	// Status is "sent", "failed", or "skipped".
	Status string `json:"status"`
	// SizeBytes is the total payload size of the batch.
	SizeBytes int64 `json:"size_bytes"`
	// Detail explains a failed or skipped batch.
	Detail string `json:"detail,omitempty"`
}

// DeliveryInfo is the aggregate outcome of the most recent send.
type DeliveryInfo struct {
	// Status is "success", "partial-failure", or "failure".
	Status string `json:"status"`
	// AttemptedBytes is the total size of the batches that were attempted.
	AttemptedBytes int64 `json:"attempted_bytes"`
	// Detail summarizes the outcome per batch.
	Detail string `json:"detail"`
	// Batches lists the per-batch outcomes in send order.
	Batches []BatchInfo `json:"batches"`
}

// SessionResponse is the HTTP representation of a pipeline session.
type SessionResponse struct {
	// ID is the unique identifier for the session.
	ID string `json:"id"`
	// State is the current pipeline state.
	State string `json:"state"`
	// Asset describes the held recording, if any.
	Asset *AssetInfo `json:"asset,omitempty"`
	// Segments lists the materialized segments, if any.
	Segments []SegmentInfo `json:"segments,omitempty"`
	// LastDelivery reports the most recent send, if one happened.
	LastDelivery *DeliveryInfo `json:"last_delivery,omitempty"`
	// Error contains the abort reason if the pipeline aborted.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the session was created (RFC 3339).
	CreatedAt string `json:"created_at"`
	// UpdatedAt is when the session last changed (RFC 3339).
	UpdatedAt string `json:"updated_at"`
}

// CancelResponse reports whether a cancellation request took effect.
type CancelResponse struct {
	// Cancelled is true when a dispatch was in flight and asked to stop.
	Cancelled bool `json:"cancelled"`
}

// HistoryEntry is one recorded delivery attempt.
type HistoryEntry struct {
	// ID is the ledger row identifier.
	ID int64 `json:"id"`
	// CreatedAt is when the attempt was recorded (RFC 3339).
	CreatedAt string `json:"created_at"`
	// Recipient is the destination address; empty for pre-send aborts.
	Recipient string `json:"recipient"`
	// TotalBytes is the total attempted payload size.
	TotalBytes int64 `json:"total_bytes"`
	// Status is "success", "partial-failure", "failure", or "aborted".
	Status string `json:"status"`
	// Detail summarizes what failed or was skipped, if anything.
	Detail string `json:"detail,omitempty"`
}

// HistoryResponse is the HTTP response for the delivery history.
type HistoryResponse struct {
	// Attempts lists all recorded delivery attempts, newest first.
	Attempts []HistoryEntry `json:"attempts"`
}

// ReplaceHistoryRequest is the HTTP request body for the administrative
// full rewrite of the delivery history.
type ReplaceHistoryRequest struct {
	// Attempts is the new history, replacing everything recorded before.
	// An empty list clears the history.
	Attempts []ReplaceHistoryEntry `json:"attempts" validate:"dive"`
}

// ReplaceHistoryEntry is one rewritten delivery attempt.
type ReplaceHistoryEntry struct {
	// CreatedAt is an optional RFC 3339 timestamp; defaults to now.
	CreatedAt string `json:"created_at,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	// Recipient is the destination address; may be empty for aborts.
	Recipient string `json:"recipient"`
	// TotalBytes is the total attempted payload size.
	TotalBytes int64 `json:"total_bytes" validate:"min=0"`
	// Status is the recorded outcome.
	Status string `json:"status" validate:"required,oneof=success partial-failure failure aborted"`
	// Detail summarizes what failed or was skipped, if anything.
	Detail string `json:"detail,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
