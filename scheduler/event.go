package scheduler

import (
	"github.com/robmorgan/metronome/audio"
	"github.com/robmorgan/metronome/notify"
)

// BeatEvent is handed to the BeatHandler once per scheduled beat.
type BeatEvent struct {
	// Timestamp is the audio clock time, in seconds, the beat must sound at.
	Timestamp float64
	// BeatNumber is 1-based within the bar.
	BeatNumber int
	// BarNumber is the 1-based bar the beat belongs to.
	BarNumber   int
	IsFirstBeat bool
	Volume      float64
	BPM         float64
	// Generation is the scheduler's grid generation when the beat was placed.
	Generation uint64
}

// Notification converts the event into its bus payload.
func (e BeatEvent) Notification() notify.Beat {
	return notify.Beat{
		BeatNumber:  e.BeatNumber,
		BarNumber:   e.BarNumber,
		IsFirstBeat: e.IsFirstBeat,
		BPM:         e.BPM,
		Timestamp:   e.Timestamp,
		Generation:  e.Generation,
	}
}

// BeatHandler sounds or otherwise consumes a beat. It runs with the scheduler locked and must not
// call back into the Scheduler.
type BeatHandler func(BeatEvent) error

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running      bool              `json:"running"`
	CurrentBeat  int               `json:"beat"`
	CurrentBar   int               `json:"bar"`
	BPM          float64           `json:"bpm"`
	Numerator    int               `json:"numerator"`
	Denominator  int               `json:"denominator"`
	Volume       float64           `json:"volume"`
	ClockState   audio.DeviceState `json:"-"`
	Clock        string            `json:"clock"`
	ErrorCount   int               `json:"errorCount"`
	NextBeatTime float64           `json:"nextBeatTime"`
}
