// Package mailer provides the outbound message transport used to deliver
// segment batches. It defines the Transport interface (port) and an SMTP
// implementation; no retry logic lives here — exactly one attempt per call.
package mailer

import (
	"context"
	"fmt"
	"io"
)

// Attachment is one named payload carried by an outbound message.
type Attachment struct {
	// Name is the filename presented to the recipient.
	Name string
	// Body supplies the attachment bytes, read at send time.
	Body io.Reader
}

// Message is one outbound message addressed to a single recipient.
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

// TransportError indicates a send attempt was rejected or failed
// (authentication, network, server rejection).
type TransportError struct {
	Recipient string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport defines the interface for outbound message delivery.
type Transport interface {
	// Send submits one message. Exactly one attempt; the caller decides
	// what a failure means for the rest of the delivery.
	Send(ctx context.Context, msg Message) error
}
