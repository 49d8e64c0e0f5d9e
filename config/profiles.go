package config

import (
	"fmt"

	"github.com/robmorgan/metronome/profile"
)

// unused marks a channel the beat light leaves at zero.
func unused(n int) string {
	return fmt.Sprintf("%s:%d", profile.ChannelTypeUnknown, n)
}

func initializeFixtureProfiles() map[string]profile.Profile {
	out := map[string]profile.Profile{
		"shehds-par": {
			Name: "Shehds LED Flat PAR 12x3W RGBW",
			Channels: map[string]int{
				profile.ChannelTypeIntensity: 1,
				profile.ChannelTypeRed:       2,
				profile.ChannelTypeGreen:     3,
				profile.ChannelTypeBlue:      4,
				profile.ChannelTypeWhite:     5,
				profile.ChannelTypeStrobe:    6,
				unused(7):                    7,
				unused(8):                    8,
			},
		},
		"shehds-led-wash-7x18w-rgbwa-uv": {
			Name: "Shehds LED Wash 7x18W RGBWA+UV",
			// 10 channel mode
			Channels: map[string]int{
				unused(1):                    1,
				unused(2):                    2,
				profile.ChannelTypeIntensity: 3,
				profile.ChannelTypeRed:       4,
				profile.ChannelTypeGreen:     5,
				profile.ChannelTypeBlue:      6,
				profile.ChannelTypeWhite:     7,
				profile.ChannelTypeAmber:     8,
				unused(9):                    9,
				unused(10):                   10,
			},
		},
		"shehds-led-bar-beam-8x12w": {
			Name: "Shehds LED Bar Beam 8x12W RGBW",
			// 9 channel mode
			Channels: map[string]int{
				unused(1):                    1,
				unused(2):                    2,
				unused(3):                    3,
				unused(4):                    4,
				profile.ChannelTypeIntensity: 5,
				profile.ChannelTypeRed:       6,
				profile.ChannelTypeGreen:     7,
				profile.ChannelTypeBlue:      8,
				profile.ChannelTypeWhite:     9,
			},
		},
		"generic-rgb": {
			Name: "Generic RGB",
			Channels: map[string]int{
				profile.ChannelTypeRed:   1,
				profile.ChannelTypeGreen: 2,
				profile.ChannelTypeBlue:  3,
			},
		},
	}

	return out
}
