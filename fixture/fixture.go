package fixture

import (
	"sync"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/robmorgan/metronome/profile"
)

// Fixture is a patched DMX light. Intensity and colour are held as normalized values and converted to
// channel levels when the fixture is rendered into a DMXState.
type Fixture struct {
	Name     string
	Universe int

	// The DMX starting address
	Address int

	Profile profile.Profile

	channels []Channel

	lock        sync.Mutex
	intensity   float64
	color       colorful.Color
	needsUpdate bool
}

// NewFixture patches a fixture at address in universe using the channel layout of p.
func NewFixture(name string, universe, address int, p profile.Profile) *Fixture {
	return &Fixture{
		Name:     name,
		Universe: universe,
		Address:  address,
		Profile:  p,
		channels: resolveChannels(address, p),
		color:    colorful.Color{R: 1, G: 1, B: 1},

		needsUpdate: true,
	}
}

// Channels returns the fixture's channels in address order.
func (f *Fixture) Channels() []Channel {
	return append([]Channel(nil), f.channels...)
}

// GetChannelCount returns the number of channels the fixture uses.
func (f *Fixture) GetChannelCount() int {
	return len(f.channels)
}

func (f *Fixture) SetIntensity(v float64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	if v != f.intensity {
		f.intensity = v
		f.needsUpdate = true
	}
}

func (f *Fixture) GetIntensity() float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.intensity
}

func (f *Fixture) SetColor(c colorful.Color) {
	f.lock.Lock()
	defer f.lock.Unlock()
	c = c.Clamped()
	if c != f.color {
		f.color = c
		f.needsUpdate = true
	}
}

func (f *Fixture) GetColor() colorful.Color {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.color
}

// NeedsUpdate reports whether the fixture changed since it was last rendered.
func (f *Fixture) NeedsUpdate() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.needsUpdate
}

// HasUpdated clears the pending update flag.
func (f *Fixture) HasUpdated() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.needsUpdate = false
}

// Reset blacks the fixture out.
func (f *Fixture) Reset() {
	f.SetIntensity(0)
}

// operations converts the fixture values into DMX writes. Fixtures without a dimmer channel get the
// intensity folded into their colour channels.
func (f *Fixture) operations() []dmxOperation {
	f.lock.Lock()
	defer f.lock.Unlock()

	scale := Value(1)
	if !f.Profile.HasChannel(profile.ChannelTypeIntensity) {
		scale = Value(f.intensity)
	}
	white := minOf(f.color.R, f.color.G, f.color.B)

	ops := make([]dmxOperation, 0, len(f.channels))
	for _, ch := range f.channels {
		var v Value
		switch ch.Type {
		case profile.ChannelTypeIntensity:
			v = Value(f.intensity)
		case profile.ChannelTypeRed:
			v = Value(f.color.R) * scale
		case profile.ChannelTypeGreen:
			v = Value(f.color.G) * scale
		case profile.ChannelTypeBlue:
			v = Value(f.color.B) * scale
		case profile.ChannelTypeWhite:
			v = Value(white) * scale
		default:
			continue
		}
		ops = append(ops, dmxOperation{universe: f.Universe, channel: ch.Address, value: v.toDMX()})
	}
	return ops
}

func minOf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
