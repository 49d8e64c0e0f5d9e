package fixture

import "github.com/robmorgan/metronome/profile"

// Channel is a fixture channel resolved to its absolute DMX address.
type Channel struct {
	Type    string
	Address int
}

// Value is a normalized channel level between 0 and 1.
type Value float64

func (v Value) toDMX() int {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return int(float64(v)*255 + 0.5)
}

// resolveChannels maps the profile offsets onto absolute addresses starting at address.
func resolveChannels(address int, p profile.Profile) []Channel {
	types := p.ChannelTypes()
	out := make([]Channel, 0, len(types))
	for _, t := range types {
		out = append(out, Channel{Type: t, Address: address + p.Channels[t] - 1})
	}
	return out
}
