package sound

import "github.com/fogleman/ease"

// Envelope shapes the gain of a note over its lifetime. Attack and Release are fractions of the note
// length; the rest holds at full gain.
type Envelope struct {
	Attack    float64
	Release   float64
	AttackFn  ease.Function
	ReleaseFn ease.Function
}

// At returns the gain at progress t in [0, 1].
func (e Envelope) At(t float64) float64 {
	switch {
	case t <= 0 || t >= 1:
		return 0
	case e.Attack > 0 && t < e.Attack:
		return e.attackFn()(t / e.Attack)
	case e.Release > 0 && t > 1-e.Release:
		return 1 - e.releaseFn()((t-(1-e.Release))/e.Release)
	}
	return 1
}

func (e Envelope) attackFn() ease.Function {
	if e.AttackFn == nil {
		return ease.OutQuad
	}
	return e.AttackFn
}

func (e Envelope) releaseFn() ease.Function {
	if e.ReleaseFn == nil {
		return ease.OutCubic
	}
	return e.ReleaseFn
}
