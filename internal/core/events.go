package core

import "github.com/dkeye/voicertc/internal/domain"

type EventType string

const (
	EventNewProducer       EventType = "new-producer"
	EventProducerClosed    EventType = "producer-closed"
	EventUserJoinedVoice   EventType = "user-joined-voice"
	EventUserLeftVoice     EventType = "user-left-voice"
	EventVoiceStateUpdated EventType = "user-voice-state-updated"
)

// Event is a room notification fanned out to participants.
type Event struct {
	Type       EventType
	ChannelID  domain.ChannelID
	UserID     domain.UserID
	Kind       domain.MediaKind
	ProducerID string
	State      *domain.VoiceState
}

type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(e Event) { f(e) }

// DiscardEvents drops everything.
var DiscardEvents EventSink = EventSinkFunc(func(Event) {})
