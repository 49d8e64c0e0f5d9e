package config

// PatchedFixture stores config info for a dmx fixture
type PatchedFixture struct {
	Name     string `yaml:"name"`
	Address  int    `yaml:"address"`
	Universe int    `yaml:"universe"`
	Profile  string `yaml:"profile"`
}

// PatchFixtures returns the default rig: a pair of pars either side of the stage.
func PatchFixtures() []PatchedFixture {
	s := make([]PatchedFixture, 0)

	s = append(s, patchFrontPars()...)
	s = append(s, patchBeamBars()...)

	return s
}

func patchFrontPars() []PatchedFixture {
	return []PatchedFixture{
		// left middle par
		{
			Name:     "left_par",
			Address:  115,
			Universe: 1,
			Profile:  "shehds-par",
		},
		// right middle par
		{
			Name:     "right_par",
			Address:  139,
			Universe: 1,
			Profile:  "shehds-par",
		},
	}
}

func patchBeamBars() []PatchedFixture {
	return []PatchedFixture{
		{
			Name:     "left_beam_bar",
			Address:  163,
			Universe: 1,
			Profile:  "shehds-led-bar-beam-8x12w",
		},
		{
			Name:     "right_beam_bar",
			Address:  57,
			Universe: 1,
			Profile:  "shehds-led-bar-beam-8x12w",
		},
	}
}
