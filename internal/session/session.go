// Package session continues conversations and keeps their transcripts.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/codereview/internal/agents"
	"github.com/vinayprograms/codereview/internal/audit"
	"github.com/vinayprograms/codereview/internal/executor"
	"github.com/vinayprograms/codereview/internal/stream"
)

// Event types in a transcript.
const (
	EventSystem    = "system"    // backend opened the session
	EventUser      = "user"      // prompt
	EventAssistant = "assistant" // model text for one turn
	EventToolUse   = "tool_use"  // model stated a tool call
	EventToolCall  = "tool_call" // gated invocation and its decision
	EventResult    = "result"    // terminal result
)

// Transcript is the persisted record of one conversation.
type Transcript struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SessionID   string    `json:"session_id"`
	ResumedFrom string    `json:"resumed_from,omitempty"`
	Tools       []string  `json:"tools,omitempty"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	CostUSD     float64   `json:"cost_usd,omitempty"`
	NumTurns    int       `json:"num_turns,omitempty"`
	Events      []Event   `json:"events"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	seqCounter uint64
	mu         sync.Mutex
}

// Event is one entry in a transcript.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Turn      int       `json:"turn,omitempty"`

	Content   string                 `json:"content,omitempty"`
	Model     string                 `json:"model,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Delegate  string                 `json:"delegate,omitempty"` // sub-agent engaged by a delegation call

	// Decision, for tool_call events
	Action      string                 `json:"action,omitempty"` // allow, deny
	Reason      string                 `json:"reason,omitempty"`
	DecidedBy   string                 `json:"decided_by,omitempty"`
	UpdatedArgs map[string]interface{} `json:"updated_args,omitempty"`

	// Result
	Outcome  string      `json:"outcome,omitempty"`
	Subtype  string      `json:"subtype,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
	CostUSD  float64     `json:"cost_usd,omitempty"`
	Error    string      `json:"error,omitempty"`
	Duration int64       `json:"duration_ms,omitempty"`
}

// AddEvent appends an event with the next sequence id.
func (t *Transcript) AddEvent(event Event) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	event.SeqID = atomic.AddUint64(&t.seqCounter, 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	t.Events = append(t.Events, event)
	t.UpdatedAt = time.Now()
	return event.SeqID
}

// FromConversation converts a conversation into a transcript. Tool arguments
// are redacted.
func FromConversation(conv *executor.Conversation) *Transcript {
	t := &Transcript{
		ID:          uuid.NewString(),
		Name:        conv.Name,
		SessionID:   conv.SessionID,
		ResumedFrom: conv.ResumedFrom,
		Tools:       conv.Tools,
		Outcome:     "running",
		CreatedAt:   conv.StartedAt,
	}
	for _, m := range conv.Messages() {
		switch m := m.(type) {
		case *executor.UserMessage:
			t.AddEvent(Event{Type: EventUser, Content: m.Prompt})
		case *executor.SystemMessage:
			t.AddEvent(Event{Type: EventSystem, Model: m.Model, Content: strings.Join(m.Tools, ",")})
		case *executor.AssistantMessage:
			addAssistant(t, m)
		case *executor.ToolCallMessage:
			e := Event{
				Type:      EventToolCall,
				Turn:      m.Turn,
				Tool:      m.Request.ToolName,
				ToolUseID: m.Request.InvocationID,
				Args:      audit.Redact(m.Request.Input),
				Action:    string(m.Decision.Behavior),
				Reason:    m.Decision.Reason,
				DecidedBy: m.Decision.Source,
			}
			if m.Decision.Allowed() && !reflect.DeepEqual(m.Decision.Input, m.Request.Input) {
				e.UpdatedArgs = audit.Redact(m.Decision.Input)
			}
			t.AddEvent(e)
		case *executor.ResultMessage:
			e := Event{
				Type:     EventResult,
				Outcome:  string(m.Outcome),
				Subtype:  m.Subtype,
				Payload:  m.Payload,
				Content:  m.Text,
				CostUSD:  m.CostUSD,
				Duration: m.Duration.Milliseconds(),
			}
			if m.Err != nil {
				e.Error = m.Err.Error()
				t.Error = e.Error
			}
			t.AddEvent(e)
			t.Outcome = string(m.Outcome)
			t.CostUSD = m.CostUSD
			t.NumTurns = m.NumTurns
		}
	}
	return t
}

func addAssistant(t *Transcript, m *executor.AssistantMessage) {
	var text []string
	for _, b := range m.Blocks {
		if tb, ok := b.(stream.TextBlock); ok {
			text = append(text, tb.Text)
		}
	}
	if len(text) > 0 {
		t.AddEvent(Event{Type: EventAssistant, Turn: m.Turn, Model: m.Model, Content: strings.Join(text, "\n")})
	}
	for _, b := range m.Blocks {
		tu, ok := b.(stream.ToolUseBlock)
		if !ok {
			continue
		}
		e := Event{Type: EventToolUse, Turn: m.Turn, Tool: tu.Name, ToolUseID: tu.ID, Args: audit.Redact(tu.Input)}
		if d, ok := agents.ParseDelegation(tu.Name, tu.Input); ok {
			e.Delegate = d.Agent
			e.Content = d.Notice()
		}
		t.AddEvent(e)
	}
}

// JSONL record types.
const (
	RecordTypeHeader = "header" // transcript metadata, first line
	RecordTypeEvent  = "event"
	RecordTypeFooter = "footer" // final state, last line
)

// JSONLRecord is one line of a transcript file.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	ResumedFrom string    `json:"resumed_from,omitempty"`
	Tools       []string  `json:"tools,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`

	*Event `json:",omitempty"`

	// Footer fields
	Status    string    `json:"status,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	TotalCost float64   `json:"total_cost_usd,omitempty"`
	NumTurns  int       `json:"num_turns,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FileStore keeps transcripts as JSONL files in a directory. It implements
// executor.Recorder.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// Record implements executor.Recorder.
func (s *FileStore) Record(conv *executor.Conversation) error {
	return s.Save(FromConversation(conv))
}

// Save writes a transcript, replacing any previous file with the same id.
func (s *FileStore) Save(t *Transcript) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}

	path := filepath.Join(s.dir, t.ID+".jsonl")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create transcript file: %w", err)
	}

	w := bufio.NewWriter(f)
	err = writeTranscript(w, t)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeTranscript(w io.Writer, t *Transcript) error {
	header := JSONLRecord{
		RecordType:  RecordTypeHeader,
		ID:          t.ID,
		Name:        t.Name,
		SessionID:   t.SessionID,
		ResumedFrom: t.ResumedFrom,
		Tools:       t.Tools,
		CreatedAt:   t.CreatedAt,
	}
	if err := writeLine(w, header); err != nil {
		return err
	}
	for _, evt := range t.Events {
		evtCopy := evt
		if err := writeLine(w, JSONLRecord{RecordType: RecordTypeEvent, Event: &evtCopy}); err != nil {
			return err
		}
	}
	footer := JSONLRecord{
		RecordType: RecordTypeFooter,
		Status:     t.Outcome,
		Failure:    t.Error,
		TotalCost:  t.CostUSD,
		NumTurns:   t.NumTurns,
		UpdatedAt:  t.UpdatedAt,
	}
	return writeLine(w, footer)
}

func writeLine(w io.Writer, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Load reads a transcript by id.
func (s *FileStore) Load(id string) (*Transcript, error) {
	return Load(filepath.Join(s.dir, id+".jsonl"))
}

// List returns the ids of stored transcripts, oldest first.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	type item struct {
		id  string
		mod time.Time
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{id: strings.TrimSuffix(name, ".jsonl"), mod: info.ModTime()})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].mod.Before(items[j].mod) })
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

// Load reads a transcript file.
func Load(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := &Transcript{}
	// bufio.Reader rather than Scanner: tool payloads can exceed any line limit.
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseLine(trimmed, t); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
	}
	if n := len(t.Events); n > 0 {
		t.seqCounter = t.Events[n-1].SeqID
	}
	return t, nil
}

func parseLine(line []byte, t *Transcript) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		t.ID = record.ID
		t.Name = record.Name
		t.SessionID = record.SessionID
		t.ResumedFrom = record.ResumedFrom
		t.Tools = record.Tools
		t.CreatedAt = record.CreatedAt
	case RecordTypeEvent:
		if record.Event != nil {
			t.Events = append(t.Events, *record.Event)
		}
	case RecordTypeFooter:
		t.Outcome = record.Status
		t.Error = record.Failure
		t.CostUSD = record.TotalCost
		t.NumTurns = record.NumTurns
		t.UpdatedAt = record.UpdatedAt
	default:
		return fmt.Errorf("unknown record type %q", record.RecordType)
	}
	return nil
}
