// Package dispatch sends segment batches as sequential outbound messages,
// isolating failures per batch and deriving one aggregate outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clipmail/clipmail-api/internal/batch"
	"github.com/clipmail/clipmail-api/internal/mailer"
	"github.com/clipmail/clipmail-api/internal/storage"
)

// AggregateStatus is the overall outcome of a multi-batch delivery.
type AggregateStatus string

const (
	// StatusSuccess means every batch was sent.
	StatusSuccess AggregateStatus = "success"
	// StatusPartialFailure means at least one batch was sent and at least
	// one was not.
	StatusPartialFailure AggregateStatus = "partial-failure"
	// StatusFailure means no batch was sent, including the case of zero
	// batches attempted.
	StatusFailure AggregateStatus = "failure"
)

// BatchOutcome is the result of one batch send.
type BatchOutcome string

const (
	// OutcomeSent means the transport accepted the message.
	OutcomeSent BatchOutcome = "sent"
	// OutcomeFailed means the transport rejected or could not carry the message.
	OutcomeFailed BatchOutcome = "failed"
	// OutcomeSkipped means the batch was never attempted because the
	// delivery was cancelled first.
	OutcomeSkipped BatchOutcome = "skipped"
)

// BatchResult records the outcome of one batch.
type BatchResult struct {
	// Number is the 1-based position of the batch in the delivery.
	Number int
	// Status is the batch outcome.
	Status BatchOutcome
	// SizeBytes is the combined size of the batch's segments.
	SizeBytes int64
	// Detail carries the failure or skip reason, empty on success.
	Detail string
}

// Result aggregates all per-batch outcomes of one delivery.
type Result struct {
	Status  AggregateStatus
	Batches []BatchResult
	// AttemptedBytes is the combined size of batches actually handed to
	// the transport (sent or failed, not skipped).
	AttemptedBytes int64
}

// Detail summarizes the non-successful batches for the delivery history.
func (r Result) Detail() string {
	var parts []string
	for _, b := range r.Batches {
		if b.Status == OutcomeSent {
			continue
		}
		parts = append(parts, fmt.Sprintf("batch %d/%d %s: %s", b.Number, len(r.Batches), b.Status, b.Detail))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("all %d batches sent", len(r.Batches))
	}
	return strings.Join(parts, "; ")
}

const (
	subjectBase = "Your audio recording segments"
	messageBody = "Hello,\n\nAttached are the audio segments you selected. " +
		"When the combined size exceeds the per-message limit, the delivery " +
		"is split across numbered messages.\n"
)

// Dispatcher sends batches sequentially through an outbound transport.
// Sequential by design: subject numbering and ordering depend on strict
// sequence, and the transport rate-limits messages anyway.
type Dispatcher struct {
	transport mailer.Transport
	store     storage.Store
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(transport mailer.Transport, store storage.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		transport: transport,
		store:     store,
		logger:    logger,
	}
}

// Dispatch sends each batch as one message to recipient. A failed batch
// never stops the remaining ones — no fail-fast — so partial delivery is
// maximized. Cancellation via ctx is honored between batch sends only; an
// in-flight send runs to completion once submitted.
func (d *Dispatcher) Dispatch(ctx context.Context, batches []batch.Batch, recipient string) Result {
	result := Result{Batches: make([]BatchResult, 0, len(batches))}

	cancelled := false
	for i, b := range batches {
		number := i + 1
		size := b.TotalBytes()

		if cancelled || ctx.Err() != nil {
			cancelled = true
			result.Batches = append(result.Batches, BatchResult{
				Number:    number,
				Status:    OutcomeSkipped,
				SizeBytes: size,
				Detail:    "delivery cancelled before send",
			})
			continue
		}

		result.AttemptedBytes += size
		br := BatchResult{Number: number, SizeBytes: size}

		// Once submitted, a batch runs to completion (success or failure);
		// cancellation only gates whether the next batch starts.
		if err := d.sendBatch(context.WithoutCancel(ctx), b, recipient, number, len(batches)); err != nil {
			br.Status = OutcomeFailed
			br.Detail = err.Error()
			d.logger.Warn("batch send failed",
				slog.Int("batch", number),
				slog.Int("batches", len(batches)),
				slog.String("recipient", recipient),
				slog.String("error", err.Error()),
			)
		} else {
			br.Status = OutcomeSent
			d.logger.Info("batch sent",
				slog.Int("batch", number),
				slog.Int("batches", len(batches)),
				slog.String("recipient", recipient),
				slog.Int64("size_bytes", size),
			)
		}
		result.Batches = append(result.Batches, br)
	}

	result.Status = aggregate(result.Batches)
	return result
}

// sendBatch builds and submits one message, reading attachment bytes from
// storage at send time.
func (d *Dispatcher) sendBatch(ctx context.Context, b batch.Batch, recipient string, number, total int) error {
	subject := subjectBase
	if total > 1 {
		subject = fmt.Sprintf("%s (%d/%d)", subjectBase, number, total)
	}

	attachments := make([]mailer.Attachment, 0, len(b.Segments))
	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	for _, seg := range b.Segments {
		rc, err := d.store.Open(ctx, seg.Path)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", seg.Name, err)
		}
		closers = append(closers, rc.Close)
		attachments = append(attachments, mailer.Attachment{Name: seg.Name, Body: rc})
	}

	return d.transport.Send(ctx, mailer.Message{
		To:          recipient,
		Subject:     subject,
		Body:        messageBody,
		Attachments: attachments,
	})
}

// aggregate derives the overall status: success iff every batch was sent,
// failure iff none were, partial-failure otherwise.
func aggregate(batches []BatchResult) AggregateStatus {
	sent := 0
	for _, b := range batches {
		if b.Status == OutcomeSent {
			sent++
		}
	}
	switch {
	case len(batches) > 0 && sent == len(batches):
		return StatusSuccess
	case sent == 0:
		return StatusFailure
	default:
		return StatusPartialFailure
	}
}
