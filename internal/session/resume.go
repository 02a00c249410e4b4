package session

import (
	"context"
	"errors"
	"sync"

	"github.com/vinayprograms/codereview/internal/executor"
)

// ErrNoSession is returned when resumption is asked for but no prior run
// reported a session id.
var ErrNoSession = errors.New("no session to resume")

// Resumer holds the session id of a finished run so a later conversation
// can continue it.
type Resumer struct {
	mu        sync.Mutex
	sessionID string
}

// Capture records id. Empty ids are ignored so a failed run cannot clear a
// session captured earlier.
func (r *Resumer) Capture(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// CaptureRun records the session id of run, if it has one.
func (r *Resumer) CaptureRun(run *executor.Run) {
	if run != nil {
		r.Capture(run.SessionID())
	}
}

// SessionID returns the captured id, empty if none.
func (r *Resumer) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Resume starts req as a continuation of the captured session. Without a
// captured session it fails with ErrNoSession and the backend is never
// contacted.
func (r *Resumer) Resume(ctx context.Context, exec *executor.Executor, req executor.Request) (*executor.Run, error) {
	id := r.SessionID()
	if id == "" {
		return nil, ErrNoSession
	}
	req.Resume = id
	return exec.Start(ctx, req)
}
