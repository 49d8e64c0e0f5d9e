package audio

import (
	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// Output is the sink a Context renders into.
type Output interface {
	Init(sampleRate beep.SampleRate, bufferSize int) error
	Play(s beep.Streamer)
	Close()
}

// SpeakerOutput plays through the system audio device.
type SpeakerOutput struct{}

func (SpeakerOutput) Init(sampleRate beep.SampleRate, bufferSize int) error {
	return speaker.Init(sampleRate, bufferSize)
}

func (SpeakerOutput) Play(s beep.Streamer) {
	speaker.Play(s)
}

func (SpeakerOutput) Close() {
	speaker.Clear()
	speaker.Close()
}
