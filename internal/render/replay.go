package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vinayprograms/codereview/internal/session"
)

// Replayer formats stored transcripts as a timeline.
type Replayer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	maxContentSize int // 0 = unlimited
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxContentSize limits how much of a content field is printed.
func WithMaxContentSize(size int) ReplayerOption {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// NewReplayer creates a new Replayer.
func NewReplayer(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 50 * 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayFile loads and replays a transcript file.
func (r *Replayer) ReplayFile(path string) error {
	t, err := session.Load(path)
	if err != nil {
		return err
	}
	return r.Replay(t)
}

// Replay outputs a formatted timeline of transcript events.
func (r *Replayer) Replay(t *session.Transcript) error {
	r.printHeader(t)
	r.printTimeline(t)
	r.printSummary(t)
	return nil
}

func (r *Replayer) printHeader(t *session.Transcript) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TRANSCRIPT"), valueStyle.Render(t.ID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Stage:   "), valueStyle.Render(t.Name))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Session: "), valueStyle.Render(t.SessionID))
	if t.ResumedFrom != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Resumed: "), valueStyle.Render(t.ResumedFrom))
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Outcome: "), outcomeStyle(t.Outcome).Render(t.Outcome))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created: "), valueStyle.Render(t.CreatedAt.Format(time.RFC3339)))
	if len(t.Tools) > 0 {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Tools:   "), toolStyle.Render(strings.Join(t.Tools, ", ")))
	}
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(t *session.Transcript) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(t.Events))))
	fmt.Fprintln(r.output, divider)

	for i := range t.Events {
		r.formatEvent(i+1, &t.Events[i])
	}
}

func (r *Replayer) formatEvent(seq int, event *session.Event) {
	ts := timeStyle.Render(event.Timestamp.Format("15:04:05"))
	seqNum := seqStyle.Render(fmt.Sprintf("%d", seq))

	switch event.Type {
	case session.EventUser:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, valueStyle.Render("PROMPT"))
		r.printContent(event.Content)
	case session.EventSystem:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts, valueStyle.Render("SESSION"), dimStyle.Render(event.Model))
	case session.EventAssistant:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			valueStyle.Render("ASSISTANT"), dimStyle.Render(fmt.Sprintf("turn %d", event.Turn)))
		if r.verbosity >= 1 {
			r.printContent(event.Content)
		} else {
			fmt.Fprintf(r.output, "      │          │   %s\n", dimStyle.Render(truncateContent(event.Content, 100)))
		}
	case session.EventToolUse:
		if event.Delegate != "" {
			fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
				subagentStyle.Render("DELEGATE"), valueStyle.Render(event.Delegate))
			return
		}
		if r.verbosity >= 1 {
			fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
				dimStyle.Render("TOOL USE"), toolStyle.Render(event.Tool))
		}
	case session.EventToolCall:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s%s\n", seqNum, ts,
			toolStyle.Render("TOOL "+event.Tool),
			actionStyle(event.Action).Render(strings.ToUpper(event.Action)),
			argsHint(event.Args))
		if event.Action == "deny" && event.Reason != "" {
			fmt.Fprintf(r.output, "      │          │   %s %s\n",
				labelStyle.Render("reason:"), policyStyle.Render(event.Reason))
		}
		if event.DecidedBy != "" && r.verbosity >= 1 {
			fmt.Fprintf(r.output, "      │          │   %s %s\n",
				labelStyle.Render("by:"), dimStyle.Render(event.DecidedBy))
		}
		if len(event.UpdatedArgs) > 0 {
			fmt.Fprintf(r.output, "      │          │   %s\n", warnStyle.Render("rewritten:"))
			r.printArgs(event.UpdatedArgs)
		} else if r.verbosity >= 2 {
			r.printArgs(event.Args)
		}
	case session.EventResult:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			outcomeStyle(event.Outcome).Render("RESULT "+event.Outcome),
			dimStyle.Render(fmt.Sprintf("(%dms, $%.4f)", event.Duration, event.CostUSD)))
		if event.Error != "" {
			fmt.Fprintf(r.output, "      │          │   %s\n", errorStyle.Render(event.Error))
		}
		if r.verbosity >= 1 && event.Content != "" {
			r.printContent(event.Content)
		}
	default:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, dimStyle.Render(event.Type))
	}
}

func (r *Replayer) printSummary(t *session.Transcript) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	switch t.Outcome {
	case "success":
		fmt.Fprintln(r.output, successStyle.Render("COMPLETED"))
	case "running":
		fmt.Fprintln(r.output, warnStyle.Render("INCOMPLETE"))
	default:
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render("FAILED:"), valueStyle.Render(t.Error))
	}

	stats := ComputeStats(t)
	fmt.Fprintf(r.output, "%s %d  %s %d  %s %d  %s %d\n",
		labelStyle.Render("turns:"), t.NumTurns,
		labelStyle.Render("tool calls:"), stats.ToolCalls,
		labelStyle.Render("denied:"), stats.Denied,
		labelStyle.Render("delegations:"), stats.Delegations)
	fmt.Fprintf(r.output, "%s $%.4f\n", labelStyle.Render("cost:"), t.CostUSD)
}

// printContent prints content with timeline indentation.
func (r *Replayer) printContent(content string) {
	if r.maxContentSize > 0 && len(content) > r.maxContentSize {
		content = content[:r.maxContentSize] + "\n... (truncated)"
	}
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(r.output, "      │          │   %s\n", line)
	}
}

// printArgs prints tool arguments.
func (r *Replayer) printArgs(args map[string]interface{}) {
	for k, v := range args {
		fmt.Fprintf(r.output, "      │          │   %s: %v\n", labelStyle.Render(k), v)
	}
}

// Stats holds aggregate counts for a transcript.
type Stats struct {
	ToolCalls   int
	Denied      int
	Rewritten   int
	Delegations int
	ByTool      map[string]int
}

// ComputeStats counts tool decisions and delegations.
func ComputeStats(t *session.Transcript) *Stats {
	stats := &Stats{ByTool: make(map[string]int)}
	for _, e := range t.Events {
		switch e.Type {
		case session.EventToolCall:
			stats.ToolCalls++
			stats.ByTool[e.Tool]++
			if e.Action == "deny" {
				stats.Denied++
			}
			if len(e.UpdatedArgs) > 0 {
				stats.Rewritten++
			}
		case session.EventToolUse:
			if e.Delegate != "" {
				stats.Delegations++
			}
		}
	}
	return stats
}

// truncateContent truncates a string for display.
func truncateContent(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
