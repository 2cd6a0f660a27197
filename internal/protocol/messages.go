// Package protocol defines the JSON-RPC surface of the voice control plane:
// method and event names with their payloads. Server and client share it.
package protocol

import (
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
)

// Methods.
const (
	MethodJoinVoice                = "joinVoice"
	MethodLeaveVoice               = "leaveVoice"
	MethodGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	MethodCreateProducerTransport  = "createProducerTransport"
	MethodCreateConsumerTransport  = "createConsumerTransport"
	MethodConnectTransport         = "connectTransport"
	MethodProduce                  = "produce"
	MethodConsume                  = "consume"
	MethodCloseProducer            = "closeProducer"
	MethodGetProducers             = "getProducers"
	MethodUpdateState              = "updateState"
	MethodPing                     = "ping"
)

type JoinVoiceParams struct {
	ChannelID domain.ChannelID  `json:"channelId"`
	State     domain.VoiceState `json:"state"`
}

type JoinVoiceResult struct {
	ChannelID             domain.ChannelID     `json:"channelId"`
	RouterRtpCapabilities core.RtpCapabilities `json:"routerRtpCapabilities"`
	Participants          []domain.Participant `json:"participants"`
}

type ConnectTransportParams struct {
	TransportID    string              `json:"transportId"`
	DtlsParameters core.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *core.IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []core.IceCandidate `json:"iceCandidates,omitempty"`
}

type ProduceParams struct {
	TransportID   string             `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind"`
	RtpParameters core.RtpParameters `json:"rtpParameters"`
}

type ProduceResult struct {
	ProducerID string `json:"producerId"`
}

type ConsumeParams struct {
	Kind            domain.MediaKind     `json:"kind"`
	RemoteUserID    domain.UserID        `json:"remoteUserId"`
	RtpCapabilities core.RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumeResult struct {
	ProducerID    string             `json:"producerId"`
	ConsumerID    string             `json:"consumerId"`
	Kind          domain.MediaKind   `json:"kind"`
	RtpParameters core.RtpParameters `json:"rtpParameters"`
}

type CloseProducerParams struct {
	Kind domain.MediaKind `json:"kind"`
}

// ProducersResult lists, per kind, the users producing besides the caller.
type ProducersResult struct {
	Audio  []domain.UserID `json:"audio"`
	Video  []domain.UserID `json:"video"`
	Screen []domain.UserID `json:"screen"`
}

// ByKind returns the list for kind.
func (r ProducersResult) ByKind(kind domain.MediaKind) []domain.UserID {
	switch kind {
	case domain.KindAudio:
		return r.Audio
	case domain.KindVideo:
		return r.Video
	case domain.KindScreen:
		return r.Screen
	}
	return nil
}

type UpdateStateParams = domain.StatePatch

type UpdateStateResult struct {
	State domain.VoiceState `json:"state"`
}

type Ack struct {
	OK bool `json:"ok"`
}

// Events are JSON-RPC notifications; the method is the event type.
const (
	EventNewProducer       = string(core.EventNewProducer)
	EventProducerClosed    = string(core.EventProducerClosed)
	EventUserJoinedVoice   = string(core.EventUserJoinedVoice)
	EventUserLeftVoice     = string(core.EventUserLeftVoice)
	EventVoiceStateUpdated = string(core.EventVoiceStateUpdated)
)

type ProducerEvent struct {
	ChannelID  domain.ChannelID `json:"channelId"`
	UserID     domain.UserID    `json:"userId"`
	Kind       domain.MediaKind `json:"kind"`
	ProducerID string           `json:"producerId,omitempty"`
}

type MembershipEvent struct {
	ChannelID domain.ChannelID   `json:"channelId"`
	UserID    domain.UserID      `json:"userId"`
	State     *domain.VoiceState `json:"state,omitempty"`
}

type StateEvent struct {
	ChannelID domain.ChannelID  `json:"channelId"`
	UserID    domain.UserID     `json:"userId"`
	State     domain.VoiceState `json:"state"`
}

// EventPayload renders a core event as its wire payload.
func EventPayload(e core.Event) any {
	switch e.Type {
	case core.EventNewProducer, core.EventProducerClosed:
		return ProducerEvent{ChannelID: e.ChannelID, UserID: e.UserID, Kind: e.Kind, ProducerID: e.ProducerID}
	case core.EventVoiceStateUpdated:
		st := domain.VoiceState{}
		if e.State != nil {
			st = *e.State
		}
		return StateEvent{ChannelID: e.ChannelID, UserID: e.UserID, State: st}
	default:
		return MembershipEvent{ChannelID: e.ChannelID, UserID: e.UserID, State: e.State}
	}
}
