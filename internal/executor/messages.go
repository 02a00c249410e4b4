package executor

import (
	"errors"
	"time"

	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/stream"
)

// Message is one of *SystemMessage, *UserMessage, *AssistantMessage,
// *ToolCallMessage or *ResultMessage.
type Message interface {
	Kind() string
	isMessage()
}

// SystemMessage reports the session the backend opened.
type SystemMessage struct {
	SessionID      string
	Tools          []string
	Model          string
	PermissionMode string
	ResumedFrom    string
}

// UserMessage is the prompt that started the conversation.
type UserMessage struct {
	Prompt string
}

// AssistantMessage is one model turn, forwarded unchanged.
type AssistantMessage struct {
	Turn   int
	Model  string
	Blocks []stream.Block
}

// ToolCallMessage records a gated tool invocation and its decision.
type ToolCallMessage struct {
	Turn     int
	Request  policy.Request
	Decision policy.Decision
}

// ResultMessage is terminal. Err is nil exactly when Outcome is success.
type ResultMessage struct {
	Outcome    Outcome
	Subtype    string
	Payload    interface{}
	Text       string
	CostUSD    float64
	NumTurns   int
	Duration   time.Duration
	Usage      stream.Usage
	ModelUsage map[string]stream.ModelUsage
	Err        *RunError
}

// Success reports whether the conversation succeeded.
func (r *ResultMessage) Success() bool { return r.Outcome == OutcomeSuccess }

// Failure returns Err as an error, nil on success.
func (r *ResultMessage) Failure() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

func (*SystemMessage) Kind() string    { return "system" }
func (*UserMessage) Kind() string      { return "user" }
func (*AssistantMessage) Kind() string { return "assistant" }
func (*ToolCallMessage) Kind() string  { return "tool_call" }
func (*ResultMessage) Kind() string    { return "result" }

func (*SystemMessage) isMessage()    {}
func (*UserMessage) isMessage()      {}
func (*AssistantMessage) isMessage() {}
func (*ToolCallMessage) isMessage()  {}
func (*ResultMessage) isMessage()    {}

var errSealed = errors.New("conversation is sealed")

// Conversation is the append-only record of one run. It is sealed when the
// result is appended.
type Conversation struct {
	Name        string
	SessionID   string
	ResumedFrom string
	Tools       []string
	StartedAt   time.Time

	messages []Message
	sealed   bool
}

// Messages returns a copy of the messages so far.
func (c *Conversation) Messages() []Message {
	return append([]Message(nil), c.messages...)
}

// Sealed reports whether the conversation has its result.
func (c *Conversation) Sealed() bool { return c.sealed }

// Result returns the terminal message, or nil while running.
func (c *Conversation) Result() *ResultMessage {
	if !c.sealed || len(c.messages) == 0 {
		return nil
	}
	r, _ := c.messages[len(c.messages)-1].(*ResultMessage)
	return r
}

func (c *Conversation) append(m Message) error {
	if c.sealed {
		return errSealed
	}
	c.messages = append(c.messages, m)
	if _, ok := m.(*ResultMessage); ok {
		c.sealed = true
	}
	return nil
}

// Budget tracks consumption for one conversation. Counters only grow.
type Budget struct {
	MaxTurns   int
	Turns      int
	MaxCostUSD float64 // zero means unlimited
	CostUSD    float64
}

// TurnsExceeded reports whether more turns were used than allowed.
func (b Budget) TurnsExceeded() bool { return b.Turns > b.MaxTurns }

// CostExceeded reports whether accumulated cost is over the limit.
func (b Budget) CostExceeded() bool { return b.MaxCostUSD > 0 && b.CostUSD > b.MaxCostUSD }

// TurnsLeft returns the remaining turn allowance, never negative.
func (b Budget) TurnsLeft() int {
	if b.Turns >= b.MaxTurns {
		return 0
	}
	return b.MaxTurns - b.Turns
}
