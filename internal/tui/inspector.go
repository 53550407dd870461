// Package tui implements a small interactive inspector for a live node
// graph: attribute values refresh in place as the runtime mutates them.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/statetree/statetree/internal/node"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	nodeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	attrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	closedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Strikethrough(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model renders a node graph rooted at a single node.
type Model struct {
	root   *node.Node
	width  int
	height int
}

// NewModel builds an inspector over root.
func NewModel(root *node.Node) Model {
	return Model{root: root}
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update handles resize, quit keys, and refresh ticks.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tick()
	}
	return m, nil
}

// View renders the tree. The graph is re-read on every frame; the runtime
// owns the state and the inspector never caches it.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("statetree inspector"))
	b.WriteString("\n\n")
	renderNode(&b, m.root, 0, map[*node.Node]bool{})
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q: quit"))
	return b.String()
}

// renderNode walks one node and recurses into attribute values that are
// themselves nodes. seen guards against parent back-links and shared
// children.
func renderNode(b *strings.Builder, n *node.Node, depth int, seen map[*node.Node]bool) {
	if n == nil || seen[n] {
		return
	}
	seen[n] = true

	indent := strings.Repeat("  ", depth)
	label := n.ID()
	if !n.IdentityKey().IsZero() {
		label = n.IdentityKey().String()
	}
	if n.Closed() {
		b.WriteString(indent + closedStyle.Render(label) + "\n")
		return
	}
	b.WriteString(indent + nodeStyle.Render(label) + "\n")

	names := n.AttrNames()
	sort.Strings(names)
	for _, name := range names {
		v, err := n.Get(name)
		if err != nil {
			continue
		}
		b.WriteString(indent + "  " + attrStyle.Render(name+": "))

		switch vv := v.(type) {
		case node.Noder:
			b.WriteString("\n")
			renderNode(b, vv.AsNode(), depth+2, seen)
		case []any:
			b.WriteString(valueStyle.Render(fmt.Sprintf("[%d]", len(vv))) + "\n")
			for _, elem := range vv {
				if nd, ok := elem.(node.Noder); ok {
					renderNode(b, nd.AsNode(), depth+2, seen)
				} else {
					b.WriteString(strings.Repeat("  ", depth+2) +
						valueStyle.Render(renderValue(elem)) + "\n")
				}
			}
		default:
			b.WriteString(valueStyle.Render(renderValue(v)) + "\n")
		}
	}
}

func renderValue(v any) string {
	if v == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("%v", v)
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

// Run blocks on the inspector until the user quits.
func Run(root *node.Node) error {
	p := tea.NewProgram(NewModel(root), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
