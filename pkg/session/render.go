package session

import (
	"fmt"
	"strings"
	"time"
)

// RenderOptions controls tree decoration.
type RenderOptions struct {
	ShowCost     bool
	ShowMessages bool
	ShowTime     bool
	MaxTitleLen  int
}

func (o RenderOptions) maxTitle() int {
	if o.MaxTitleLen > 0 {
		return o.MaxTitleLen
	}
	return 48
}

// RenderTree draws the forest with ASCII connectors and a marker on the
// current session.
func RenderTree(roots []*Node, opts RenderOptions) string {
	var b strings.Builder
	for _, root := range roots {
		renderNode(&b, root, "", opts)
	}
	return b.String()
}

func renderNode(b *strings.Builder, n *Node, prefix string, opts RenderOptions) {
	if n.Depth == 0 {
		b.WriteString(label(n, opts))
		b.WriteString("\n")
	} else {
		connector := "├── "
		if n.IsLast {
			connector = "└── "
		}
		b.WriteString(prefix + connector + label(n, opts) + "\n")
	}

	childPrefix := prefix
	if n.Depth > 0 {
		if n.IsLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	for _, child := range n.Children {
		renderNode(b, child, childPrefix, opts)
	}
}

// RenderIndented draws the forest with plain two-space indentation.
func RenderIndented(roots []*Node, opts RenderOptions) string {
	var b strings.Builder
	var walk func(n *Node)
	walk = func(n *Node) {
		b.WriteString(strings.Repeat("  ", n.Depth) + label(n, opts) + "\n")
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return b.String()
}

// RenderBoxed draws each root tree inside a simple box.
func RenderBoxed(roots []*Node, opts RenderOptions) string {
	var b strings.Builder
	for _, root := range roots {
		inner := strings.TrimRight(RenderTree([]*Node{root}, opts), "\n")
		lines := strings.Split(inner, "\n")

		width := 0
		for _, line := range lines {
			if n := len([]rune(line)); n > width {
				width = n
			}
		}

		b.WriteString("+" + strings.Repeat("-", width+2) + "+\n")
		for _, line := range lines {
			pad := width - len([]rune(line))
			b.WriteString("| " + line + strings.Repeat(" ", pad) + " |\n")
		}
		b.WriteString("+" + strings.Repeat("-", width+2) + "+\n")
	}
	return b.String()
}

func label(n *Node, opts RenderOptions) string {
	title := n.Title
	if title == "" {
		title = n.ID
	}
	if max := opts.maxTitle(); len([]rune(title)) > max {
		title = string([]rune(title)[:max-1]) + "…"
	}

	var parts []string
	if n.IsCurrent {
		parts = append(parts, "*")
	}
	parts = append(parts, title)

	var decorations []string
	if opts.ShowMessages {
		decorations = append(decorations, fmt.Sprintf("%d msgs", n.MessageCount))
	}
	if opts.ShowCost {
		decorations = append(decorations, fmt.Sprintf("$%.2f", n.Cost))
	}
	if opts.ShowTime {
		decorations = append(decorations, time.Unix(0, n.Updated).Format("2006-01-02 15:04"))
	}
	if n.Shared {
		decorations = append(decorations, "shared")
	}
	if len(decorations) > 0 {
		parts = append(parts, "("+strings.Join(decorations, ", ")+")")
	}
	return strings.Join(parts, " ")
}
