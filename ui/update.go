package ui

import (
	"strconv"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/robmorgan/metronome/notify"
)

const tempoStep = 1.0

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.handleEvent(notify.Event(msg))
		return m, waitForEvent(m.sub)

	case busClosedMsg:
		return m, nil

	case tickMsg:
		m.status = m.ctrl.Status()
		return m, tickCmd()

	case retryDoneMsg:
		m.retrying = false
		if msg.err != nil {
			m.err = msg.err.Error()
		} else {
			m.err = ""
		}
		m.status = m.ctrl.Status()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key := msg.String(); key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case " ", "space":
		if _, err := m.ctrl.Toggle(); err != nil {
			m.err = err.Error()
		}
		m.status = m.ctrl.Status()

	case "[", "]":
		delta := tempoStep
		if key == "[" {
			delta = -tempoStep
		}
		m.pendingBPM = clampTempo(m.pendingBPM+delta, m.status.MinBPM, m.status.MaxBPM)
		bpm, ctrl := m.pendingBPM, m.ctrl
		m.applyTempo(func() {
			_ = ctrl.SetTempo(bpm)
		})

	case "t":
		if bpm, ok := m.ctrl.Tap(); ok {
			m.pendingBPM = bpm
		}
		m.status = m.ctrl.Status()

	case "r":
		if m.retrying {
			return m, nil
		}
		m.retrying = true
		m.err = ""
		return m, retryCmd(m.ctrl)

	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		n, _ := strconv.Atoi(key)
		if err := m.ctrl.SetTimeSignature(n, m.status.Denominator); err != nil {
			m.err = err.Error()
		}
		m.status = m.ctrl.Status()
	}
	return m, nil
}

func (m *model) handleEvent(ev notify.Event) {
	switch ev.Kind {
	case notify.KindBeat:
		if ev.Beat != nil {
			m.beat = ev.Beat.BeatNumber
		}
	case notify.KindTempoChanged:
		m.pendingBPM = ev.BPM
		m.status.BPM = ev.BPM
	case notify.KindSignatureChanged:
		m.status.Numerator = ev.Numerator
		m.status.Denominator = ev.Denominator
		m.beat = 0
	case notify.KindStarted:
		m.status.Running = true
		m.err = ""
	case notify.KindStopped:
		m.status.Running = false
		m.beat = 0
	case notify.KindError, notify.KindInitFailed, notify.KindRecoveryFailed:
		m.err = ev.Message
	case notify.KindRecoverySucceeded:
		m.err = ""
	}
}

// clampTempo keeps keyboard nudges inside the range the metronome accepts.
func clampTempo(bpm, min, max float64) float64 {
	if max <= 0 {
		return bpm
	}
	if bpm < min {
		return min
	}
	if bpm > max {
		return max
	}
	return bpm
}
