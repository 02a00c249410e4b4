package render

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/codereview/internal/agents"
	"github.com/vinayprograms/codereview/internal/executor"
	"github.com/vinayprograms/codereview/internal/review"
	"github.com/vinayprograms/codereview/internal/stream"
)

// DefaultWidth is the wrap width for model text.
const DefaultWidth = 100

// Printer writes conversation messages as they arrive.
type Printer struct {
	out     io.Writer
	width   int
	verbose bool
}

// PrinterOption configures a Printer.
type PrinterOption func(*Printer)

// WithWidth sets the wrap width. Zero disables wrapping.
func WithWidth(width int) PrinterOption {
	return func(p *Printer) { p.width = width }
}

// WithVerbose also prints allowed tool calls and session details.
func WithVerbose(v bool) PrinterOption {
	return func(p *Printer) { p.verbose = v }
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer, opts ...PrinterOption) *Printer {
	p := &Printer{out: out, width: DefaultWidth}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start announces a review of dir.
func (p *Printer) Start(dir string) {
	fmt.Fprintf(p.out, "\n🔍 %s %s\n", titleStyle.Render("Starting code review for:"), valueStyle.Render(dir))
}

// Message prints one message of stage. Results are left to Report and
// RemediationSummary.
func (p *Printer) Message(stage string, m executor.Message) {
	switch m := m.(type) {
	case *executor.SystemMessage:
		fmt.Fprintf(p.out, "%s %s\n", labelStyle.Render("Session ID:"), valueStyle.Render(m.SessionID))
		if m.ResumedFrom != "" && p.verbose {
			fmt.Fprintf(p.out, "%s %s\n", labelStyle.Render("Resumed:   "), dimStyle.Render(m.ResumedFrom))
		}
		if len(m.Tools) > 0 {
			fmt.Fprintf(p.out, "%s %s\n", labelStyle.Render("Tools:     "), toolStyle.Render(strings.Join(m.Tools, ", ")))
		}
		if p.verbose && m.Model != "" {
			fmt.Fprintf(p.out, "%s %s\n", labelStyle.Render("Model:     "), dimStyle.Render(m.Model))
		}
	case *executor.AssistantMessage:
		p.assistant(m)
	case *executor.ToolCallMessage:
		if !m.Decision.Allowed() {
			fmt.Fprintf(p.out, "%s %s %s\n",
				errorStyle.Render("⛔ denied"),
				toolStyle.Render(m.Request.ToolName),
				policyStyle.Render(m.Decision.Reason))
			return
		}
		if p.verbose {
			fmt.Fprintf(p.out, "%s %s%s\n",
				dimStyle.Render("→"),
				toolStyle.Render(m.Request.ToolName),
				argsHint(m.Decision.Input))
		}
	case *executor.ResultMessage:
		if p.verbose {
			fmt.Fprintf(p.out, "%s %s %s\n",
				dimStyle.Render(stage),
				outcomeStyle(string(m.Outcome)).Render(string(m.Outcome)),
				dimStyle.Render(fmt.Sprintf("(%d turns, %dms)", m.NumTurns, m.Duration.Milliseconds())))
		}
	}
}

func (p *Printer) assistant(m *executor.AssistantMessage) {
	for _, b := range m.Blocks {
		switch b := b.(type) {
		case stream.TextBlock:
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			fmt.Fprintln(p.out, p.wrap(b.Text))
		case stream.ToolUseBlock:
			if d, ok := agents.ParseDelegation(b.Name, b.Input); ok {
				fmt.Fprintf(p.out, "\n🤖 %s\n", subagentStyle.Render(d.Notice()))
			}
		}
	}
}

func (p *Printer) wrap(s string) string {
	if p.width <= 0 {
		return s
	}
	return wordwrap.String(s, p.width)
}

// Report prints the review verdict, or the failure when there is none.
func (p *Printer) Report(r *review.Review, res *executor.ResultMessage, err error) {
	if r == nil {
		reason := "no result"
		switch {
		case res != nil && res.Err != nil:
			reason = res.Err.Error()
		case err != nil:
			reason = err.Error()
		}
		fmt.Fprintf(p.out, "\n❌ %s %s\n", errorStyle.Render("Review failed:"), valueStyle.Render(reason))
		return
	}

	fmt.Fprintf(p.out, "\n📊 %s\n\n", titleStyle.Render("Code Review Results"))
	fmt.Fprintf(p.out, "%s %s\n", labelStyle.Render("Score:  "), scoreStyle(r.OverallScore).Render(fmt.Sprintf("%.0f/100", r.OverallScore)))
	fmt.Fprintf(p.out, "%s %s\n", labelStyle.Render("Summary:"), valueStyle.Render(p.wrap(r.Summary)))
	if counts := countLine(r); counts != "" {
		fmt.Fprintf(p.out, "%s %s\n", labelStyle.Render("Issues: "), counts)
	}
	fmt.Fprintln(p.out)

	for _, is := range r.Sorted() {
		fmt.Fprintf(p.out, "%s %s %s\n",
			severityIcon(is.Severity),
			severityStyle(is.Severity).Render("["+strings.ToUpper(string(is.Category))+"]"),
			valueStyle.Render(is.Location()))
		fmt.Fprintf(p.out, "   %s\n", indent(p.wrap(is.Description), "   "))
		if is.Suggestion != "" {
			fmt.Fprintf(p.out, "   💡 %s\n", indent(p.wrap(is.Suggestion), "      "))
		}
	}

	cost := 0.0
	if res != nil {
		cost = res.CostUSD
	}
	fmt.Fprintf(p.out, "\n✅ %s %s\n", successStyle.Render("Review complete!"), dimStyle.Render(fmt.Sprintf("Cost: $%.4f", cost)))
}

// RemediationSummary prints the cost breakdown of the remediation stage.
func (p *Printer) RemediationSummary(sr review.StageResult) {
	if sr.Err != nil {
		fmt.Fprintf(p.out, "\n❌ %s %s\n", errorStyle.Render("Remediation failed:"), valueStyle.Render(sr.Err.Error()))
		return
	}
	res := sr.Result
	if res == nil {
		return
	}
	if res.Text != "" {
		fmt.Fprintln(p.out, p.wrap(res.Text))
	}
	fmt.Fprintln(p.out)
	fmt.Fprintf(p.out, "%s $%.4f\n", labelStyle.Render("Total cost: "), res.CostUSD)
	fmt.Fprintf(p.out, "%s %d in, %d out\n", labelStyle.Render("Token usage:"), res.Usage.InputTokens, res.Usage.OutputTokens)

	models := make([]string, 0, len(res.ModelUsage))
	for m := range res.ModelUsage {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		fmt.Fprintf(p.out, "  %s $%.4f\n", dimStyle.Render(m+":"), res.ModelUsage[m].CostUSD)
	}
}

func scoreStyle(score float64) lipgloss.Style {
	switch {
	case score >= 80:
		return successStyle
	case score >= 50:
		return warnStyle
	default:
		return errorStyle
	}
}

func countLine(r *review.Review) string {
	counts := r.Counts()
	var parts []string
	for _, s := range review.Severities {
		if n := counts[s]; n > 0 {
			parts = append(parts, severityStyle(s).Render(fmt.Sprintf("%d %s", n, s)))
		}
	}
	return strings.Join(parts, ", ")
}

func indent(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}

// argsHint returns a concise hint about the key argument of a tool call.
func argsHint(args map[string]interface{}) string {
	var hint string
	for _, key := range []string{"file_path", "path", "pattern", "command", "subagent_type"} {
		if v, ok := args[key].(string); ok && v != "" {
			hint = v
			break
		}
	}
	if hint == "" {
		return ""
	}
	return dimStyle.Render(fmt.Sprintf(" [%s]", truncateHint(hint, 60)))
}

// truncateHint truncates a string to maxLen, adding ... if needed.
func truncateHint(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
