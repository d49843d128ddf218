package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Border styles
var (
	StyleHelpBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	StyleErrorBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("red")).
			Padding(0, 1)
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// statusStyle picks the style for a session, task or milestone status name.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return StyleStatusComplete
	case "failed", "error", "cancelled":
		return StyleStatusFailed
	case "in_progress", "retrying", "initializing", "paused":
		return StyleStatusRunning
	default:
		return StyleStatusPending
	}
}

// table renders left-aligned columns. Cells in statusCol are colored by
// statusStyle; pass -1 for none.
type table struct {
	headers   []string
	rows      [][]string
	statusCol int
}

func newTable(statusCol int, headers ...string) *table {
	return &table{headers: headers, statusCol: statusCol}
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style func(col int, cell string) lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			padded := cell
			if i < len(cells)-1 && i < len(widths) {
				padded += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			parts[i] = style(i, cell).Render(padded)
		}
		return strings.Join(parts, "  ")
	}

	fmt.Fprintln(w, line(t.headers, func(int, string) lipgloss.Style { return StyleHeader }))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row, func(col int, cell string) lipgloss.Style {
			if col == t.statusCol {
				return statusStyle(cell)
			}
			return lipgloss.NewStyle()
		}))
	}
}
