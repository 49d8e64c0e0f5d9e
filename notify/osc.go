package notify

import (
	"github.com/hypebeast/go-osc/osc"
	"github.com/sirupsen/logrus"

	"github.com/robmorgan/metronome/logger"
)

const DefaultOSCPrefix = "/metronome"

// OSCSender is satisfied by *osc.Client.
type OSCSender interface {
	Send(packet osc.Packet) error
}

// OSCForwarder mirrors beat and tempo events to an OSC listener such as a lighting desk or DAW.
type OSCForwarder struct {
	client OSCSender
	prefix string
	log    *logrus.Entry
}

// NewOSCForwarder sends to host:port over UDP.
func NewOSCForwarder(host string, port int, prefix string) *OSCForwarder {
	return NewOSCForwarderWithSender(osc.NewClient(host, port), prefix)
}

func NewOSCForwarderWithSender(client OSCSender, prefix string) *OSCForwarder {
	if prefix == "" {
		prefix = DefaultOSCPrefix
	}
	return &OSCForwarder{
		client: client,
		prefix: prefix,
		log:    logger.GetProjectLogger().WithField("component", "osc"),
	}
}

// Handle is meant to be passed to Bus.SubscribeFunc.
func (f *OSCForwarder) Handle(ev Event) {
	msg := f.message(ev)
	if msg == nil {
		return
	}
	if err := f.client.Send(msg); err != nil {
		f.log.WithError(err).WithField("address", msg.Address).Warn("failed to send OSC message")
	}
}

func (f *OSCForwarder) message(ev Event) *osc.Message {
	switch ev.Kind {
	case KindBeat:
		if ev.Beat == nil {
			return nil
		}
		accent := int32(0)
		if ev.Beat.IsFirstBeat {
			accent = 1
		}
		return osc.NewMessage(f.prefix+"/beat",
			int32(ev.Beat.BeatNumber),
			int32(ev.Beat.BarNumber),
			accent,
			float32(ev.Beat.BPM),
		)
	case KindTempoChanged:
		return osc.NewMessage(f.prefix+"/tempo", float32(ev.BPM))
	case KindSignatureChanged:
		return osc.NewMessage(f.prefix+"/signature", int32(ev.Numerator), int32(ev.Denominator))
	case KindStarted:
		return osc.NewMessage(f.prefix + "/start")
	case KindStopped:
		return osc.NewMessage(f.prefix + "/stop")
	}
	return nil
}
