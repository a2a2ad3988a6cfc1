package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/datahive/personal-server/pkg/sandbox"
)

// BuildPrompt assembles the agent instruction block: the granted goal, the
// staged files with sizes, the artifact contract and the completion
// protocol.
func BuildPrompt(goal string, files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("You are working inside a sandboxed workspace.\n\n")
	b.WriteString("Goal:\n")
	b.WriteString(goal)
	b.WriteString("\n\n")

	if len(names) > 0 {
		b.WriteString("Available input files in the current directory:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  - %s (%d bytes)\n", name, len(files[name]))
		}
		b.WriteString("\n")
	} else {
		b.WriteString("There are no input files.\n\n")
	}

	b.WriteString("Rules:\n")
	b.WriteString("  1. Write every output file you produce into the out/ directory.\n")
	b.WriteString("  2. When you are done, print exactly one line containing a JSON object\n")
	b.WriteString(`     of the form {"status": "ok", "summary": "...", "result": {...}}.` + "\n")
	b.WriteString("     Use status \"error\" if you could not complete the goal.\n")
	fmt.Fprintf(&b, "  3. After the JSON line, print %s on its own line and stop.\n", sandbox.Sentinel)

	return b.String()
}
