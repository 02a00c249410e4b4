package policy

import (
	"context"
	"regexp"
	"strings"

	"github.com/vinayprograms/codereview/internal/tools"
)

// DangerousCommandReason is returned to the agent when the shell guard fires.
const DangerousCommandReason = "Dangerous command blocked"

type shellPattern struct {
	name string
	re   *regexp.Regexp
}

// Destructive writes and privilege escalation. Matched anywhere in the
// command so chained or piped forms are caught too. Recursive force
// deletion is checked separately by recursiveForceDelete.
var dangerousPatterns = []shellPattern{
	{"filesystem-format", regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`)},
	{"raw-device-write", regexp.MustCompile(`\bdd\s+.*\bof=/dev/`)},
	{"privilege-escalation", regexp.MustCompile(`\b(sudo|doas|pkexec)\b`)},
	{"privilege-escalation", regexp.MustCompile(`(^|[;&|(]\s*)su(\s+-|\s+root|\s*$)`)},
}

// DangerousCommand reports whether command matches a destructive or
// privilege-escalating pattern, and which one.
func DangerousCommand(command string) (string, bool) {
	cmd := strings.Join(strings.Fields(command), " ")
	if recursiveForceDelete(command) {
		return "recursive-force-delete", true
	}
	for _, p := range dangerousPatterns {
		if p.re.MatchString(cmd) {
			return p.name, true
		}
	}
	return "", false
}

// commandSeparators split a command line into simple commands.
var commandSeparators = regexp.MustCompile("[;&|()\n`]")

// recursiveForceDelete reports whether any simple command in line runs rm
// with both a recursive and a force flag, in any order or spelling.
func recursiveForceDelete(line string) bool {
	for _, part := range commandSeparators.Split(line, -1) {
		fields := strings.Fields(part)
		for i, f := range fields {
			if strings.Trim(f, `"'`) != "rm" && !strings.HasSuffix(strings.Trim(f, `"'`), "/rm") {
				continue
			}
			if rmFlags(fields[i+1:]) {
				return true
			}
		}
	}
	return false
}

// rmFlags scans rm arguments. GNU rm accepts options after operands, so
// scanning stops only at "--".
func rmFlags(args []string) bool {
	var recursive, force bool
	for _, a := range args {
		a = strings.Trim(a, `"'`)
		switch {
		case a == "--":
			return recursive && force
		case a == "--recursive":
			recursive = true
		case a == "--force":
			force = true
		case strings.HasPrefix(a, "--"):
		case strings.HasPrefix(a, "-") && len(a) > 1:
			if strings.ContainsAny(a[1:], "rR") {
				recursive = true
			}
			if strings.ContainsRune(a[1:], 'f') {
				force = true
			}
		}
	}
	return recursive && force
}

// ShellGuard denies shell commands matching DangerousCommand. It never
// allows; silence means the command passed the guard.
type ShellGuard struct {
	registry *tools.Registry
	names    map[string]bool
}

// NewShellGuard guards every shell-kind tool in registry plus any extra names.
// A nil registry guards only Bash and the extra names.
func NewShellGuard(registry *tools.Registry, extra ...string) *ShellGuard {
	g := &ShellGuard{registry: registry, names: map[string]bool{tools.Bash: true}}
	for _, n := range extra {
		g.names[n] = true
	}
	return g
}

// Name implements Rule.
func (g *ShellGuard) Name() string { return "shell_guard" }

// Evaluate implements Rule.
func (g *ShellGuard) Evaluate(_ context.Context, _ Context, req Request) (Decision, bool) {
	if !g.guards(req.ToolName) {
		return Decision{}, false
	}
	if _, bad := DangerousCommand(req.String("command")); bad {
		return Deny(DangerousCommandReason), true
	}
	return Decision{}, false
}

func (g *ShellGuard) guards(tool string) bool {
	if g.names[tool] {
		return true
	}
	return g.registry != nil && g.registry.KindOf(tool) == tools.KindShell
}
