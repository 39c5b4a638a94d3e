package capsule

import (
	"fmt"
	"strings"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/util"
)

// synthesizeReadme builds a README for capsules whose tasks did not produce
// one: the request description, requirement list and the build plan with each
// task's outcome.
func synthesizeReadme(req models.ExecutionRequest, g *taskgraph.Graph, results map[string]*taskgraph.TaskResult) []byte {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(titleFromDescription(req.Description))
	b.WriteString("\n\n")
	if desc := strings.TrimSpace(req.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}

	if len(req.Requirements) > 0 {
		b.WriteString("## Requirements\n\n")
		for _, r := range req.Requirements {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(r))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Build Plan\n\n")
	b.WriteString("| Task | Kind | Title | Status |\n")
	b.WriteString("|------|------|-------|--------|\n")
	for _, layer := range g.Layers() {
		for _, id := range layer {
			task := g.Task(id)
			if task == nil {
				continue
			}
			status := "not_run"
			if res := results[id]; res != nil {
				status = string(res.Status)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				id, task.Kind, escapeTableCell(task.Title), status)
		}
	}
	b.WriteString("\n")
	b.WriteString("Generated by the QuantumLayer platform.\n")
	return []byte(b.String())
}

// titleFromDescription takes the first line of the request, trimmed to a
// heading-sized string.
func titleFromDescription(desc string) string {
	line := strings.TrimSpace(desc)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.TrimRight(line, ".")
	if line == "" {
		return "Generated Project"
	}
	return util.TruncateString(line, 80, true)
}

func escapeTableCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
