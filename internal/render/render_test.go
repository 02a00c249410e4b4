package render

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/codereview/internal/executor"
	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/review"
	"github.com/vinayprograms/codereview/internal/session"
	"github.com/vinayprograms/codereview/internal/stream"
)

func TestPrinter_Messages(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Message(review.StageReview, &executor.SystemMessage{SessionID: "s1", Tools: []string{"Read", "Task"}})
	p.Message(review.StageReview, &executor.AssistantMessage{Turn: 1, Blocks: []stream.Block{
		stream.TextBlock{Text: "Looking at the auth module."},
		stream.ToolUseBlock{ID: "tu_1", Name: "Task", Input: map[string]interface{}{"subagent_type": "security-reviewer"}},
	}})
	p.Message(review.StageReview, &executor.ToolCallMessage{
		Turn:     1,
		Request:  policy.Request{ToolName: "Bash", Input: map[string]interface{}{"command": "rm -rf /"}},
		Decision: policy.Deny(policy.DangerousCommandReason),
	})
	p.Message(review.StageReview, &executor.ToolCallMessage{
		Turn:     1,
		Request:  policy.Request{ToolName: "Read"},
		Decision: policy.Allow(map[string]interface{}{"file_path": "a.go"}),
	})

	out := buf.String()
	for _, want := range []string{"s1", "Read, Task", "Looking at the auth module.", "delegating to: security-reviewer", "denied", "Dangerous command blocked"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "a.go") {
		t.Error("allowed calls are only shown in verbose mode")
	}

	buf.Reset()
	NewPrinter(&buf, WithVerbose(true)).Message(review.StageReview, &executor.ToolCallMessage{
		Request:  policy.Request{ToolName: "Read"},
		Decision: policy.Allow(map[string]interface{}{"file_path": "a.go"}),
	})
	if !strings.Contains(buf.String(), "[a.go]") {
		t.Errorf("verbose output missing hint: %q", buf.String())
	}
}

func TestPrinter_Wrap(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, WithWidth(20))
	p.Message(review.StageReview, &executor.AssistantMessage{Blocks: []stream.Block{
		stream.TextBlock{Text: "one two three four five six seven eight"},
	}})
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if len(line) > 20 {
			t.Errorf("line not wrapped: %q", line)
		}
	}
}

func TestPrinter_Report(t *testing.T) {
	var buf bytes.Buffer
	r := &review.Review{
		Summary:      "Needs work",
		OverallScore: 42,
		Issues: []review.Issue{
			{Severity: review.SeverityLow, Category: review.CategoryStyle, File: "b.go", Description: "long line"},
			{Severity: review.SeverityCritical, Category: review.CategorySecurity, File: "a.go", Line: 3, Description: "SQL injection", Suggestion: "use placeholders"},
		},
	}
	NewPrinter(&buf).Report(r, &executor.ResultMessage{CostUSD: 0.01234}, nil)
	out := buf.String()

	for _, want := range []string{"42/100", "Needs work", "🔴", "[SECURITY]", "a.go:3", "💡", "use placeholders", "$0.0123"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "a.go:3") > strings.Index(out, "b.go") {
		t.Error("critical issue should be listed first")
	}
}

func TestPrinter_ReportFailure(t *testing.T) {
	var buf bytes.Buffer
	res := &executor.ResultMessage{Outcome: executor.OutcomeBudgetExhausted, Err: &executor.RunError{Outcome: executor.OutcomeBudgetExhausted, Subtype: "error_max_turns"}}
	NewPrinter(&buf).Report(nil, res, nil)
	if !strings.Contains(buf.String(), "Review failed") || !strings.Contains(buf.String(), "error_max_turns") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	NewPrinter(&buf).Report(nil, nil, errors.New("backend down"))
	if !strings.Contains(buf.String(), "backend down") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPrinter_RemediationSummary(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).RemediationSummary(review.StageResult{Result: &executor.ResultMessage{
		Text:    "Use parameterised queries.",
		CostUSD: 0.5,
		Usage:   stream.Usage{InputTokens: 10, OutputTokens: 20},
		ModelUsage: map[string]stream.ModelUsage{
			"sonnet": {CostUSD: 0.4},
			"haiku":  {CostUSD: 0.1},
		},
	}})
	out := buf.String()
	for _, want := range []string{"parameterised", "$0.5000", "10 in, 20 out", "haiku:", "sonnet:"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "haiku") > strings.Index(out, "sonnet") {
		t.Error("models should be sorted")
	}

	buf.Reset()
	NewPrinter(&buf).RemediationSummary(review.StageResult{Err: session.ErrNoSession})
	if !strings.Contains(buf.String(), "Remediation failed") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func transcript() *session.Transcript {
	tr := &session.Transcript{
		ID:        "t1",
		Name:      "review",
		SessionID: "s1",
		Outcome:   "success",
		NumTurns:  2,
		CostUSD:   0.25,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	tr.AddEvent(session.Event{Type: session.EventUser, Content: "Review ./src"})
	tr.AddEvent(session.Event{Type: session.EventAssistant, Turn: 1, Content: "Delegating."})
	tr.AddEvent(session.Event{Type: session.EventToolUse, Turn: 1, Tool: "Task", Delegate: "security-reviewer"})
	tr.AddEvent(session.Event{Type: session.EventToolCall, Turn: 1, Tool: "Bash", Action: "deny", Reason: "Dangerous command blocked", Args: map[string]interface{}{"command": "rm -rf /"}})
	tr.AddEvent(session.Event{Type: session.EventToolCall, Turn: 2, Tool: "Read", Action: "allow", Args: map[string]interface{}{"file_path": "a.go"}, UpdatedArgs: map[string]interface{}{"file_path": "src/a.go"}})
	tr.AddEvent(session.Event{Type: session.EventResult, Outcome: "success", CostUSD: 0.25})
	return tr
}

func TestReplayer_Replay(t *testing.T) {
	var buf bytes.Buffer
	if err := NewReplayer(&buf, 0).Replay(transcript()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"TRANSCRIPT", "t1", "(6 events)", "DELEGATE", "security-reviewer", "DENY", "Dangerous command blocked", "rewritten:", "src/a.go", "COMPLETED", "delegations: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("replay missing %q:\n%s", want, out)
		}
	}
}

func TestReplayer_ReplayFile(t *testing.T) {
	store, err := session.NewFileStore(filepath.Join(t.TempDir(), "transcripts"))
	if err != nil {
		t.Fatal(err)
	}
	tr := transcript()
	if err := store.Save(tr); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := NewReplayer(&buf, 1).ReplayFile(filepath.Join(store.Dir(), tr.ID+".jsonl")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Review ./src") {
		t.Errorf("unexpected replay %q", buf.String())
	}
	if err := NewReplayer(&buf, 0).ReplayFile(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats(transcript())
	if s.ToolCalls != 2 || s.Denied != 1 || s.Rewritten != 1 || s.Delegations != 1 || s.ByTool["Bash"] != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}
