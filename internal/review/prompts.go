package review

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/codereview/internal/agents"
)

// DefaultRemediationPrompt asks the resumed session for a fix.
const DefaultRemediationPrompt = "Now show how to fix the most severe issue you found."

// ReviewPrompt asks for a full review of dir and names the specialists the
// model should delegate to.
func ReviewPrompt(dir string, specialists []agents.Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Perform a comprehensive code review of %s.\n", dir)
	if len(specialists) > 0 {
		b.WriteString("Delegate to these specialists where they apply:\n")
		for _, d := range specialists {
			fmt.Fprintf(&b, "- %s: %s\n", d.Name, strings.TrimSuffix(d.Description, "."))
		}
	}
	b.WriteString("Report every finding with its severity, category and location, then summarise and score the code from 0 to 100.")
	return b.String()
}

// RemediationPrompt returns the configured prompt or the default.
func RemediationPrompt(configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return DefaultRemediationPrompt
}
