// Package profile describes the DMX channel layout of the fixtures a beat light can drive.
package profile

import "sort"

const (
	ChannelTypeIntensity = "channel:type:intensity"
	ChannelTypeStrobe    = "channel:type:strobe"

	ChannelTypeRed   = "channel:type:red"
	ChannelTypeGreen = "channel:type:green"
	ChannelTypeBlue  = "channel:type:blue"
	ChannelTypeWhite = "channel:type:white"
	ChannelTypeAmber = "channel:type:amber"

	ChannelTypeUnknown = "channel:type:unknown"
)

// Profile holds the channel offsets (1-based, relative to the fixture address) for a fixture model.
type Profile struct {
	Name string

	// The fixture channels
	Channels map[string]int
}

// HasChannel reports whether the profile exposes a channel of type t.
func (p Profile) HasChannel(t string) bool {
	_, ok := p.Channels[t]
	return ok
}

// Footprint is the number of DMX channels the fixture occupies.
func (p Profile) Footprint() int {
	max := 0
	for _, offset := range p.Channels {
		if offset > max {
			max = offset
		}
	}
	return max
}

// ChannelTypes returns the profile's channel types ordered by offset.
func (p Profile) ChannelTypes() []string {
	types := make([]string, 0, len(p.Channels))
	for t := range p.Channels {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return p.Channels[types[i]] < p.Channels[types[j]]
	})
	return types
}
