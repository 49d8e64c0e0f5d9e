// Package ui is the terminal front end: a row of beat cells that light up in time, the tempo and
// signature, training progress and the key bindings to drive the metronome.
package ui

import (
	"context"
	"time"

	"github.com/bep/debounce"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/robmorgan/metronome/app"
	"github.com/robmorgan/metronome/notify"
)

const (
	refreshInterval = 100 * time.Millisecond
	tempoDebounce   = 250 * time.Millisecond
	retryTimeout    = 30 * time.Second
)

// Controller is the part of the metronome the UI drives. *app.App satisfies it.
type Controller interface {
	Toggle() (bool, error)
	SetTempo(bpm float64) error
	SetTimeSignature(numerator, denominator int) error
	Tap() (float64, bool)
	Retry(ctx context.Context) error
	Status() app.Status
	Bus() *notify.Bus
}

type model struct {
	ctrl       Controller
	sub        *notify.Subscription // where we'll receive metronome events
	applyTempo func(func())

	status     app.Status
	pendingBPM float64
	beat       int
	err        string
	retrying   bool
	quitting   bool

	spinner  spinner.Model
	progress progress.Model
}

func newModel(ctrl Controller) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)

	st := ctrl.Status()
	return model{
		ctrl:       ctrl,
		sub:        ctrl.Bus().Subscribe("ui", notify.DefaultBuffer),
		applyTempo: debounce.New(tempoDebounce),
		status:     st,
		pendingBPM: st.BPM,
		spinner:    s,
		progress:   p,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.sub), tickCmd(), m.spinner.Tick)
}

// Run blocks until the user quits.
func Run(ctrl Controller) error {
	m := newModel(ctrl)
	defer m.sub.Close()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type eventMsg notify.Event

type busClosedMsg struct{}

type tickMsg time.Time

type retryDoneMsg struct {
	err error
}

// waitForEvent turns the next bus event into a message.
func waitForEvent(sub *notify.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.C()
		if !ok {
			return busClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func retryCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
		defer cancel()
		return retryDoneMsg{err: ctrl.Retry(ctx)}
	}
}

var (
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	tempoStyle   = lipgloss.NewStyle().Bold(true)
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Margin(1, 0)
	dimStyle     = helpStyle.Copy().UnsetMargins()
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	appStyle     = lipgloss.NewStyle().Margin(1, 2, 0, 2)
)
