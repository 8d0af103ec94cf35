// Package diagram renders a protocol's step graph. Supports Mermaid
// flowchart and ASCII formats.
package diagram

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/matterdesk/protoflow/pkg/schema"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Generate produces a diagram string for a parsed protocol.
func Generate(p *schema.Protocol, format Format) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil protocol")
	}
	switch format {
	case FormatMermaid:
		return generateMermaid(p), nil
	case FormatASCII:
		return generateASCII(p), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

// --- Mermaid flowchart ---

func generateMermaid(p *schema.Protocol) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	if len(p.Steps) == 0 {
		return b.String()
	}

	b.WriteString("    START([Start]) --> " + safeID(p.EntryStep()) + "\n")
	b.WriteString("    END_([End])\n")

	for i := range p.Steps {
		s := &p.Steps[i]
		b.WriteString("    " + nodeDefinition(s) + "\n")

		for _, e := range stepEdges(p, s) {
			if e.label == "" {
				b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(s.ID), targetID(e.target)))
			} else {
				b.WriteString(fmt.Sprintf("    %s -->|%q| %s\n", safeID(s.ID), e.label, targetID(e.target)))
			}
		}

		if s.Type == schema.StepParallel && s.Parallel != nil {
			for _, ref := range s.Parallel.Steps {
				b.WriteString(fmt.Sprintf("    %s -.->|\"fan-out\"| %s\n", safeID(s.ID), safeID(ref)))
			}
		}
	}

	// Style the pause points.
	for i := range p.Steps {
		if p.Steps[i].Type == schema.StepHumanReview {
			b.WriteString(fmt.Sprintf("    style %s fill:#5a3a1a,stroke:#fa0\n", safeID(p.Steps[i].ID)))
		}
	}
	if fb := fallbackTarget(p); fb != "" {
		b.WriteString(fmt.Sprintf("    style %s fill:#4a1a1a,stroke:#f55\n", safeID(fb)))
	}

	return b.String()
}

type edge struct {
	target string
	label  string
}

// stepEdges lists the outgoing routing edges for one step, in the order the
// engine would consider them.
func stepEdges(p *schema.Protocol, s *schema.Step) []edge {
	if s.Type == schema.StepConditional && s.Cond != nil {
		return []edge{
			{target: s.Cond.IfTrue, label: "true"},
			{target: s.Cond.IfFalse, label: "false"},
		}
	}

	t, ok := p.Transitions[s.ID]
	if !ok {
		return []edge{{target: schema.EndStep}}
	}
	if t.Next != "" {
		return []edge{{target: t.Next}}
	}

	var edges []edge
	if t.OnSuccess != "" {
		edges = append(edges, edge{target: t.OnSuccess, label: "success"})
	}
	if t.OnFailure != "" {
		edges = append(edges, edge{target: t.OnFailure, label: "failure"})
	}
	for _, ct := range t.OnCondition {
		edges = append(edges, edge{target: ct.Next, label: truncate(ct.Condition, 30)})
	}
	if len(edges) == 0 {
		edges = append(edges, edge{target: schema.EndStep})
	}
	return edges
}

func fallbackTarget(p *schema.Protocol) string {
	if p.ErrorHandling == nil {
		return ""
	}
	return p.ErrorHandling.GlobalFallback
}

// --- ASCII ---

func generateASCII(p *schema.Protocol) string {
	var b strings.Builder

	name := fmt.Sprintf("%s v%d", p.Metadata.Name, p.Metadata.Version)
	if len(p.Steps) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	// Uniform box width keeps every box and connector aligned.
	const indent = 8
	boxWidth := computeUniformBoxWidth(p, name)
	connCol := indent + 1 + boxWidth/2
	pad := strings.Repeat(" ", indent)
	connPad := strings.Repeat(" ", connCol)

	// Header, name centered, same width as the step boxes.
	headerText := centerPad(name, boxWidth)
	mid := boxWidth / 2
	b.WriteString(pad + "╔" + strings.Repeat("═", boxWidth) + "╗\n")
	b.WriteString(pad + "║" + headerText + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", boxWidth-mid-1) + "╝\n")
	b.WriteString(connPad + "│\n")

	for i := range p.Steps {
		s := &p.Steps[i]
		writeASCIIStep(&b, s, indent, boxWidth)

		if notes := routeNotes(p, s); len(notes) > 0 {
			for _, n := range notes {
				b.WriteString(connPad + "│ " + n + "\n")
			}
		}
		if i < len(p.Steps)-1 {
			b.WriteString(connPad + "│\n")
		}
	}

	b.WriteString(connPad + "│\n")
	b.WriteString(strings.Repeat(" ", connCol-2) + "◉ END\n")
	return b.String()
}

// routeNotes summarizes non-sequential routing next to a step's box.
func routeNotes(p *schema.Protocol, s *schema.Step) []string {
	var notes []string
	if s.Type == schema.StepConditional && s.Cond != nil {
		notes = append(notes,
			"true → "+s.Cond.IfTrue,
			"false → "+s.Cond.IfFalse)
		return notes
	}
	t, ok := p.Transitions[s.ID]
	if !ok {
		return nil
	}
	if t.OnSuccess != "" {
		notes = append(notes, "success → "+t.OnSuccess)
	}
	if t.OnFailure != "" {
		notes = append(notes, "failure → "+t.OnFailure)
	}
	for _, ct := range t.OnCondition {
		notes = append(notes, truncate(ct.Condition, 28)+" → "+ct.Next)
	}
	return notes
}

// computeUniformBoxWidth returns the widest interior width needed across
// all step boxes and the header name.
func computeUniformBoxWidth(p *schema.Protocol, name string) int {
	w := 22

	nameWidth := runewidth.StringWidth(name) + 4
	if nameWidth > w {
		w = nameWidth
	}
	for i := range p.Steps {
		if sw := stepContentWidth(&p.Steps[i]); sw > w {
			w = sw
		}
	}
	return w
}

func stepContentWidth(s *schema.Step) int {
	content := fmt.Sprintf(" %s %s ", stepIcon(s.Type), stepLabel(s))
	return runewidth.StringWidth(content)
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", total-left)
}

func writeASCIIStep(b *strings.Builder, s *schema.Step, indent, boxWidth int) {
	content := fmt.Sprintf(" %s %s ", stepIcon(s.Type), stepLabel(s))
	contentWidth := runewidth.StringWidth(content)

	pad := strings.Repeat(" ", indent)
	mid := boxWidth / 2

	b.WriteString(pad + "┌" + strings.Repeat("─", boxWidth) + "┐\n")
	b.WriteString(pad + "│" + content + strings.Repeat(" ", boxWidth-contentWidth) + "│\n")
	b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", boxWidth-mid-1) + "┘\n")
}

func stepLabel(s *schema.Step) string {
	if s.Title != "" {
		return s.Title
	}
	return s.ID
}

func stepIcon(t schema.StepType) string {
	switch t {
	case schema.StepLLMCall:
		return "✦"
	case schema.StepConditional:
		return "◇"
	case schema.StepToolExecution:
		return "⚡"
	case schema.StepWait:
		return "⏱"
	case schema.StepHumanReview:
		return "👤"
	case schema.StepParallel:
		return "⫴"
	default:
		return "○"
	}
}

// --- string helpers ---

func nodeDefinition(s *schema.Step) string {
	id := safeID(s.ID)
	title := escMermaid(stepLabel(s))
	icon := stepIcon(s.Type)

	switch s.Type {
	case schema.StepConditional:
		return fmt.Sprintf(`%s{"%s %s"}`, id, icon, title)
	case schema.StepHumanReview:
		return fmt.Sprintf(`%s{{"%s %s"}}`, id, icon, title)
	case schema.StepToolExecution:
		return fmt.Sprintf(`%s[/"%s %s"/]`, id, icon, title)
	case schema.StepParallel:
		return fmt.Sprintf(`%s[["%s %s"]]`, id, icon, title)
	default:
		return fmt.Sprintf(`%s["%s %s"]`, id, icon, title)
	}
}

func targetID(id string) string {
	if id == schema.EndStep {
		return "END_"
	}
	return safeID(id)
}

func safeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_")
	return r.Replace(id)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
