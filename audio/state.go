package audio

import (
	"context"
	"errors"
)

var (
	// ErrNotInitialized is returned while the output device has never been opened.
	ErrNotInitialized = errors.New("audio: device not initialized")
	// ErrDeviceSuspended is returned for operations that need a running device.
	ErrDeviceSuspended = errors.New("audio: device suspended")
	// ErrDeviceClosed is returned once the device has been closed; a new Context is required.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// DeviceState is the lifecycle state of an audio device.
type DeviceState int

const (
	StateUninitialized DeviceState = iota
	StateRunning
	StateSuspended
	StateClosed
)

func (s DeviceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Clock is the monotonic audio time source beats are scheduled against.
//
// Now is measured in seconds of rendered audio and only advances while the device is running.
type Clock interface {
	Now() float64
	State() DeviceState
	Resume(ctx context.Context) error
	Suspend(ctx context.Context) error
}
