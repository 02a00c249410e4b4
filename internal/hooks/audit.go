package hooks

import (
	"context"
	"time"

	"github.com/vinayprograms/codereview/internal/policy"
)

// AuditEntry is one observed tool invocation.
type AuditEntry struct {
	Time         time.Time              `json:"time"`
	Event        Event                  `json:"event"`
	SessionID    string                 `json:"session_id,omitempty"`
	Turn         int                    `json:"turn,omitempty"`
	ToolName     string                 `json:"tool"`
	InvocationID string                 `json:"tool_use_id,omitempty"`
	Input        map[string]interface{} `json:"input,omitempty"`
}

// AuditSink is where audit interceptors write. Interceptors never log
// directly, so tests can substitute a capturing sink.
type AuditSink interface {
	Record(ctx context.Context, e AuditEntry) error
}

// Flusher is implemented by sinks that buffer writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// AuditInterceptor records every invocation it sees and never decides.
type AuditInterceptor struct {
	sink    AuditSink
	now     func() time.Time
	OnError func(err error)
}

// Audit returns an observe-only interceptor writing to sink.
func Audit(sink AuditSink) *AuditInterceptor {
	return &AuditInterceptor{sink: sink, now: time.Now}
}

// Name implements Interceptor.
func (a *AuditInterceptor) Name() string { return "audit" }

// Intercept implements Interceptor.
func (a *AuditInterceptor) Intercept(ctx context.Context, in Input) *policy.Decision {
	err := a.sink.Record(ctx, AuditEntry{
		Time:         a.now().UTC(),
		Event:        in.Event,
		SessionID:    in.Context.SessionID,
		Turn:         in.Context.Turn,
		ToolName:     in.Request.ToolName,
		InvocationID: in.Request.InvocationID,
		Input:        in.Request.Input,
	})
	if err != nil && a.OnError != nil {
		a.OnError(err)
	}
	return nil
}

// OnCancel flushes the sink so a pending write completes or is dropped
// within ctx's deadline.
func (a *AuditInterceptor) OnCancel(ctx context.Context, _ string) {
	f, ok := a.sink.(Flusher)
	if !ok {
		return
	}
	if err := f.Flush(ctx); err != nil && a.OnError != nil {
		a.OnError(err)
	}
}
