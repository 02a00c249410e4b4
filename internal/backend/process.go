package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/stream"
)

// Process runs an agent runtime as a subprocess speaking NDJSON: the request
// and permission decisions go to stdin, events come back on stdout.
type Process struct {
	Command string
	Args    []string
	Env     []string // appended to the current environment
	Dir     string

	logger *logging.Logger
}

// NewProcess creates a subprocess backend.
func NewProcess(command string, args ...string) *Process {
	return &Process{
		Command: command,
		Args:    args,
		logger:  logging.New().WithComponent("backend"),
	}
}

// Start implements Backend.
func (p *Process) Start(ctx context.Context, req Request) (Stream, error) {
	if p.Command == "" {
		return nil, errors.New("backend command is not configured")
	}
	line, err := EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	// Not tied to ctx: the stream outlives Start and Close owns shutdown.
	cmd := exec.Command(p.Command, p.Args...)
	cmd.Dir = p.Dir
	if req.WorkDir != "" && p.Dir == "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = append(os.Environ(), p.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	st := &processStream{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan decoded, 16),
		done:   make(chan struct{}),
		logger: p.logger,
	}
	cmd.Stderr = &st.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", p.Command, err)
	}
	p.logger.Debug("backend started", map[string]interface{}{
		"command": p.Command,
		"pid":     cmd.Process.Pid,
		"resume":  req.Resume,
	})

	go st.read(stdout)

	if err := st.write(line); err != nil {
		st.Close()
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return st, nil
}

type decoded struct {
	ev  stream.Event
	err error
}

type processStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	events chan decoded
	done   chan struct{}
	logger *logging.Logger

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (st *processStream) read(r io.Reader) {
	defer close(st.events)
	dec := stream.NewDecoder(r)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return
		}
		select {
		case st.events <- decoded{ev: ev, err: err}:
		case <-st.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (st *processStream) Next(ctx context.Context) (stream.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-st.events:
		if !ok {
			if err := st.wait(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return d.ev, d.err
	}
}

func (st *processStream) Respond(_ context.Context, invocationID string, d policy.Decision) error {
	line, err := stream.EncodePermission(invocationID, d)
	if err != nil {
		return err
	}
	return st.write(line)
}

func (st *processStream) write(line []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing to backend: %w", err)
	}
	return nil
}

// wait reaps the process once stdout is drained.
func (st *processStream) wait() error {
	st.closeOnce.Do(func() {
		close(st.done)
		st.stdin.Close()
		st.closeErr = st.cmd.Wait()
	})
	if st.closeErr != nil {
		msg := strings.TrimSpace(st.stderr.String())
		if msg != "" {
			return fmt.Errorf("backend exited: %w: %s", st.closeErr, truncate(msg, 500))
		}
		return fmt.Errorf("backend exited: %w", st.closeErr)
	}
	return nil
}

func (st *processStream) Close() error {
	st.closeOnce.Do(func() {
		close(st.done)
		st.stdin.Close()
		if st.cmd.ProcessState == nil {
			_ = st.cmd.Process.Kill()
		}
		st.closeErr = st.cmd.Wait()
		st.logger.Debug("backend stopped", map[string]interface{}{"pid": st.cmd.Process.Pid})
	})
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
