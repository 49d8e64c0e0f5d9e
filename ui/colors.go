package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
)

var (
	normalColor = colorful.Color{R: 0.35, G: 0.55, B: 1}
	accentColor = colorful.Color{R: 1, G: 0.3, B: 0.45}
	idleColor   = colorful.Color{R: 0.16, G: 0.16, B: 0.2}
)

// cellColor picks the colour of beat cell i (1-based). Lit cells use the accent colour on the downbeat;
// unlit cells fade their lit colour into the background so the bar layout stays readable.
func cellColor(i, current int) lipgloss.Color {
	lit := normalColor
	if i == 1 {
		lit = accentColor
	}
	if i == current {
		return lipgloss.Color(lit.Hex())
	}
	return lipgloss.Color(lit.BlendLab(idleColor, 0.75).Clamped().Hex())
}
