package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/codereview/internal/hooks"
)

// DefaultSubject is the NATS subject audit entries are published on.
const DefaultSubject = "codereview.audit"

// NATSSink publishes audit entries as JSON. Publishing is asynchronous;
// Flush waits for the server to acknowledge what has been sent.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects to url and publishes on subject.
func DialNATS(url, subject string) (*NATSSink, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("codereview-audit"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSSink(nc, subject), nil
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{nc: nc, subject: subject}
}

// Subject returns the publish subject.
func (s *NATSSink) Subject() string { return s.subject }

// Record implements hooks.AuditSink.
func (s *NATSSink) Record(_ context.Context, e hooks.AuditEntry) error {
	e.Input = Redact(e.Input)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	subject := s.subject
	if e.SessionID != "" {
		subject = s.subject + "." + e.SessionID
	}
	return s.nc.Publish(subject, data)
}

// Flush implements hooks.Flusher.
func (s *NATSSink) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return s.nc.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
