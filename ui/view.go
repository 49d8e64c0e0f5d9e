package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	litCell  = "●"
	idleCell = "○"
)

func (m model) View() string {
	var b strings.Builder
	st := m.status

	b.WriteString(titleStyle.Render("metronome"))
	b.WriteString("\n\n")

	tempo := fmt.Sprintf("%.0f BPM", st.BPM)
	if m.pendingBPM != st.BPM {
		tempo += dimStyle.Render(fmt.Sprintf(" → %.0f", m.pendingBPM))
	}
	fmt.Fprintf(&b, "%s   %d/%d   bar %d\n\n", tempoStyle.Render(tempo), st.Numerator, st.Denominator, st.CurrentBar+1)

	b.WriteString(m.beatCells())
	b.WriteString("\n\n")

	state := "stopped"
	if st.Running {
		state = m.spinner.View() + " playing"
	}
	if m.retrying {
		state = m.spinner.View() + " recovering"
	}
	fmt.Fprintf(&b, "%s   vol %.0f%%   %s   audio %s\n", state, st.Volume*100, st.Tone, st.Clock)

	if tr := st.Training; tr != nil {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s: %s (%d/%d bars)", tr.Plan, tr.SegmentName, tr.BarsDone, tr.BarsTotal)
		if tr.Finished {
			b.WriteString(" done")
		}
		b.WriteString("\n")
		b.WriteString(m.progress.ViewAs(tr.PlanFraction))
		b.WriteString("\n")
	}

	if m.err != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("error: " + m.err))
		if !m.retrying {
			b.WriteString(dimStyle.Render("  (r) retry"))
		}
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("(space) start/stop  ([,]) BPM -/+  (t) tap  (1-9) beats per bar  (q) quit"))

	if m.quitting {
		b.WriteString("\n")
	}
	return appStyle.Render(b.String())
}

func (m model) beatCells() string {
	n := m.status.Numerator
	if n < 1 {
		n = 1
	}
	cells := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		glyph := idleCell
		if i == m.beat && m.status.Running {
			glyph = litCell
		}
		current := m.beat
		if !m.status.Running {
			current = 0
		}
		cells = append(cells, lipgloss.NewStyle().Foreground(cellColor(i, current)).Render(glyph))
	}
	return strings.Join(cells, " ")
}
