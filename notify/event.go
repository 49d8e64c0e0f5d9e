package notify

import (
	"fmt"
	"time"
)

// Kind identifies a notification.
type Kind int

const (
	KindBeat Kind = iota
	KindBarChange
	KindTempoChanged
	KindSignatureChanged
	KindStarted
	KindStopped
	KindInitSucceeded
	KindInitFailed
	KindRecoveryStarted
	KindRecoverySucceeded
	KindRecoveryFailed
	KindError
)

var kindNames = map[Kind]string{
	KindBeat:              "beat",
	KindBarChange:         "bar-change",
	KindTempoChanged:      "tempo-changed",
	KindSignatureChanged:  "signature-changed",
	KindStarted:           "started",
	KindStopped:           "stopped",
	KindInitSucceeded:     "init-succeeded",
	KindInitFailed:        "init-failed",
	KindRecoveryStarted:   "recovery-started",
	KindRecoverySucceeded: "recovery-succeeded",
	KindRecoveryFailed:    "recovery-failed",
	KindError:             "error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Beat describes one scheduled beat. Timestamp is in seconds on the audio clock.
type Beat struct {
	BeatNumber  int     `json:"beat"`
	BarNumber   int     `json:"bar"`
	IsFirstBeat bool    `json:"isFirstBeat"`
	BPM         float64 `json:"bpm"`
	Timestamp   float64 `json:"timestamp"`
	Generation  uint64  `json:"generation"`
}

// Event is a notification delivered to bus subscribers.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Beat *Beat `json:"beat,omitempty"`

	BPM         float64 `json:"bpm,omitempty"`
	Numerator   int     `json:"numerator,omitempty"`
	Denominator int     `json:"denominator,omitempty"`

	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

func BeatEvent(b Beat) Event {
	return Event{Kind: KindBeat, Beat: &b, BPM: b.BPM}
}

func BarChangeEvent(b Beat) Event {
	return Event{Kind: KindBarChange, Beat: &b, BPM: b.BPM}
}

func TempoEvent(bpm float64) Event {
	return Event{Kind: KindTempoChanged, BPM: bpm}
}

func SignatureEvent(numerator, denominator int) Event {
	return Event{Kind: KindSignatureChanged, Numerator: numerator, Denominator: denominator}
}

func ErrorEvent(kind Kind, err error) Event {
	ev := Event{Kind: kind, Err: err}
	if err != nil {
		ev.Message = err.Error()
	}
	return ev
}
