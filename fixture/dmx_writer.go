package fixture

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/logger"
)

// UniverseSize is the number of channels in a DMX512 universe.
const UniverseSize = 512

// DMXState holds the DMX512 values for each channel
type DMXState struct {
	universes map[int][]byte
	lock      sync.Mutex
}

type dmxOperation struct {
	universe, channel, value int
}

func NewDMXState() *DMXState {
	return &DMXState{universes: make(map[int][]byte)}
}

// GetValue returns the level of a 1-based channel, or 0 when the universe was never written.
func (s *DMXState) GetValue(universe, channel int) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	u, ok := s.universes[universe]
	if !ok || channel < 1 || channel > UniverseSize {
		return 0
	}
	return int(u[channel-1])
}

func (s *DMXState) set(ops ...dmxOperation) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, op := range ops {
		if op.channel < 1 || op.channel > UniverseSize {
			return fmt.Errorf("dmx channel (%d) not in range, op=%v", op.channel, op)
		}
		s.initializeUniverse(op.universe)
		s.universes[op.universe][op.channel-1] = byte(op.value)
	}
	return nil
}

func (s *DMXState) initializeUniverse(universe int) {
	if s.universes[universe] == nil {
		s.universes[universe] = make([]byte, UniverseSize)
	}
}

// Universes returns the written universe ids in ascending order.
func (s *DMXState) Universes() []int {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]int, 0, len(s.universes))
	for id := range s.universes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Frame returns a copy of a universe's channel values.
func (s *DMXState) Frame(universe int) []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]byte, UniverseSize)
	copy(out, s.universes[universe])
	return out
}

// Manager renders fixture state ahead of each DMX send.
type Manager interface {
	Render(now time.Time)
	GetDMXState() *DMXState
}

// OLAClient is the interface for communicating with OLA
type OLAClient interface {
	SendDmx(universe int, values []byte) (status bool, err error)
	Close()
}

// SendDMXWorker renders the manager on every tick and sends OLA the current DMX state across all universes.
func SendDMXWorker(ctx context.Context, client OLAClient, tick time.Duration, host clock.Clock, manager Manager) error {
	defer client.Close()
	log := logger.GetProjectLogger().WithField("component", "dmx")

	t := host.NewTimer(tick)
	defer t.Stop()
	log.Debugf("dmx timer started at %v", host.Now())

	for {
		select {
		case <-ctx.Done():
			log.Debug("SendDMXWorker shutdown")
			return ctx.Err()
		case now := <-t.C():
			manager.Render(now)
			state := manager.GetDMXState()
			for _, u := range state.Universes() {
				if _, err := client.SendDmx(u, state.Frame(u)); err != nil {
					log.WithError(err).WithField("universe", u).Warn("failed to send dmx frame")
				}
			}
			t.Reset(tick)
		}
	}
}
