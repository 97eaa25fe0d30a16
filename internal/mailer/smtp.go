package mailer

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// SMTPTransport implements Transport over SMTP with STARTTLS.
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewSMTPTransport creates an SMTP transport with the given sender
// credentials. The from address is used for every outbound message.
func NewSMTPTransport(host string, port int, username, password, from string) *SMTPTransport {
	return &SMTPTransport{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
	}
}

// Send implements Transport.Send with a single SMTP submission.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()
	if err := m.From(t.from); err != nil {
		return &TransportError{Recipient: msg.To, Err: fmt.Errorf("set sender: %w", err)}
	}
	if err := m.To(msg.To); err != nil {
		return &TransportError{Recipient: msg.To, Err: fmt.Errorf("set recipient: %w", err)}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	for _, a := range msg.Attachments {
		if err := m.AttachReader(a.Name, a.Body); err != nil {
			return &TransportError{Recipient: msg.To, Err: fmt.Errorf("attach %s: %w", a.Name, err)}
		}
	}

	client, err := mail.NewClient(t.host,
		mail.WithPort(t.port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(t.username),
		mail.WithPassword(t.password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return &TransportError{Recipient: msg.To, Err: fmt.Errorf("create SMTP client: %w", err)}
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return &TransportError{Recipient: msg.To, Err: err}
	}
	return nil
}

// Verify interface implementation at compile time.
var _ Transport = (*SMTPTransport)(nil)
