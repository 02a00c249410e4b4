package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/stream"
)

// Script is a canned conversation.
type Script struct {
	Events []stream.Event
	Err    error // returned instead of io.EOF once Events are exhausted
	Hang   bool  // block until the context is done once Events are exhausted
}

// LoadScript reads a script from an NDJSON event file.
func LoadScript(path string) (Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return Script{}, fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	var s Script
	dec := stream.NewDecoder(f)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return s, nil
		}
		if err != nil {
			return Script{}, fmt.Errorf("%s: %w", path, err)
		}
		s.Events = append(s.Events, ev)
	}
}

// Outcome of one tool invocation as the scripted backend saw it.
type Outcome struct {
	Request  policy.Request
	Decision policy.Decision
}

// Executed reports whether the backend would have run the tool.
func (o Outcome) Executed() bool { return o.Decision.Allowed() }

// Scripted replays scripts in order, one per Start. It stands in for a real
// agent runtime in tests and offline runs, and records what it was asked.
//
// On resume the init event reports the resumed session id, as a real runtime
// continuing the same session would.
type Scripted struct {
	mu       sync.Mutex
	scripts  []Script
	starts   []Request
	outcomes []Outcome
}

// NewScripted creates a backend that serves scripts in order.
func NewScripted(scripts ...Script) *Scripted {
	return &Scripted{scripts: scripts}
}

// Start implements Backend.
func (s *Scripted) Start(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.starts = append(s.starts, req)
	if len(s.scripts) == 0 {
		return nil, errors.New("scripted backend: no script left")
	}
	script := s.scripts[0]
	s.scripts = s.scripts[1:]

	events := make([]stream.Event, len(script.Events))
	copy(events, script.Events)
	for i, ev := range events {
		if ini, ok := ev.(*stream.Init); ok {
			cp := *ini
			switch {
			case req.Resume != "":
				cp.SessionID = req.Resume
			case cp.SessionID == "":
				cp.SessionID = uuid.New().String()
			}
			events[i] = &cp
		}
	}
	return &scriptedStream{owner: s, script: script, events: events}, nil
}

// Starts returns the requests passed to Start, in order.
func (s *Scripted) Starts() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.starts...)
}

// Outcomes returns every answered invocation, in order.
func (s *Scripted) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

func (s *Scripted) record(o Outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()
}

type scriptedStream struct {
	owner   *Scripted
	script  Script
	events  []stream.Event
	pos     int
	pending *policy.Request
	closed  bool
}

func (st *scriptedStream) Next(ctx context.Context) (stream.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.closed {
		return nil, errors.New("scripted backend: stream closed")
	}
	if st.pending != nil {
		return nil, fmt.Errorf("scripted backend: no decision for %s", st.pending.InvocationID)
	}
	if st.pos >= len(st.events) {
		if st.script.Hang {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if st.script.Err != nil {
			return nil, st.script.Err
		}
		return nil, io.EOF
	}
	ev := st.events[st.pos]
	st.pos++
	if pre, ok := ev.(*stream.PreToolUse); ok {
		req := pre.Request
		st.pending = &req
	}
	return ev, nil
}

func (st *scriptedStream) Respond(_ context.Context, invocationID string, d policy.Decision) error {
	if st.pending == nil || st.pending.InvocationID != invocationID {
		return fmt.Errorf("scripted backend: unexpected decision for %s", invocationID)
	}
	st.owner.record(Outcome{Request: *st.pending, Decision: d})
	st.pending = nil
	return nil
}

func (st *scriptedStream) Close() error {
	st.closed = true
	return nil
}
