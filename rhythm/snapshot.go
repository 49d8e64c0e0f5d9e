package rhythm

import "fmt"

// Snapshot is an immutable copy of a Timeline, safe to hand to other goroutines.
type Snapshot struct {
	Tempo        float64 `json:"bpm"`
	BeatsPerBar  int     `json:"numerator"`
	Denominator  int     `json:"denominator"`
	Beat         int     `json:"beat"`
	Bar          int     `json:"bar"`
	NextBeatTime float64 `json:"nextBeatTime"`
}

// GetBeatInterval gets the beat length in milliseconds.
func (s Snapshot) GetBeatInterval() float64 {
	return beatsToMilliseconds(1, s.Tempo)
}

// GetBarInterval gets the bar length in milliseconds.
func (s Snapshot) GetBarInterval() float64 {
	return beatsToMilliseconds(s.BeatsPerBar, s.Tempo)
}

// IsDownBeat checks whether the next beat opens a bar.
func (s Snapshot) IsDownBeat() bool {
	return s.Beat == 1
}

// GetTimeOfBeat returns the audio time of the nth beat after the next one, assuming the tempo holds.
func (s Snapshot) GetTimeOfBeat(n int) float64 {
	return s.NextBeatTime + float64(n)*60.0/s.Tempo
}

// GetMarker returns the position of the next beat as "bar.beat", with bars counted from 1.
func (s Snapshot) GetMarker() string {
	return fmt.Sprintf("%d.%d", s.Bar+1, s.Beat)
}

// Signature formats the time signature as "n/d".
func (s Snapshot) Signature() string {
	return fmt.Sprintf("%d/%d", s.BeatsPerBar, s.Denominator)
}
