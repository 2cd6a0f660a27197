package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
)

func parseKind(kind domain.MediaKind) (domain.MediaKind, error) {
	k, err := domain.ParseMediaKind(string(kind))
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrBadRequest, err)
	}
	return k, nil
}

func (o *Orchestrator) RouterRtpCapabilities(user domain.UserID) (core.RtpCapabilities, error) {
	rt, err := o.runtimeOf(user)
	if err != nil {
		return core.RtpCapabilities{}, err
	}
	return rt.RouterRtpCapabilities(), nil
}

func (o *Orchestrator) CreateProducerTransport(ctx context.Context, user domain.UserID) (core.TransportParams, error) {
	rt, err := o.runtimeOf(user)
	if err != nil {
		return core.TransportParams{}, err
	}
	return rt.CreateProducerTransport(ctx, user)
}

func (o *Orchestrator) CreateConsumerTransport(ctx context.Context, user domain.UserID) (core.TransportParams, error) {
	rt, err := o.runtimeOf(user)
	if err != nil {
		return core.TransportParams{}, err
	}
	return rt.CreateConsumerTransport(ctx, user)
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, user domain.UserID, p protocol.ConnectTransportParams) (protocol.Ack, error) {
	rt, err := o.runtimeOf(user)
	if err != nil {
		return protocol.Ack{}, err
	}
	err = rt.ConnectTransport(ctx, user, p.TransportID, core.ConnectParams{
		DtlsParameters: p.DtlsParameters,
		IceParameters:  p.IceParameters,
		IceCandidates:  p.IceCandidates,
	})
	if err != nil {
		return protocol.Ack{}, err
	}
	return protocol.Ack{OK: true}, nil
}

// Produce needs the grant matching kind and announces the new producer to
// the channel.
func (o *Orchestrator) Produce(ctx context.Context, user domain.UserID, p protocol.ProduceParams) (protocol.ProduceResult, error) {
	kind, err := parseKind(p.Kind)
	if err != nil {
		return protocol.ProduceResult{}, err
	}
	rt, err := o.runtimeOf(user)
	if err != nil {
		return protocol.ProduceResult{}, err
	}
	caps, err := o.capabilities(ctx, rt, user)
	if err != nil {
		return protocol.ProduceResult{}, err
	}
	if !caps.CanProduce(kind) {
		return protocol.ProduceResult{}, fmt.Errorf("%w: missing capability for %s", core.ErrForbidden, kind)
	}
	producer, err := rt.Produce(ctx, user, p.TransportID, kind, p.RtpParameters)
	if err != nil {
		return protocol.ProduceResult{}, err
	}
	o.Publish(core.Event{
		Type:       core.EventNewProducer,
		ChannelID:  rt.ID(),
		UserID:     user,
		Kind:       kind,
		ProducerID: producer.ID(),
	})
	return protocol.ProduceResult{ProducerID: producer.ID()}, nil
}

// Consume subscribes the caller to a remote producer. If that producer
// closes later the channel hears producer-closed.
func (o *Orchestrator) Consume(ctx context.Context, user domain.UserID, p protocol.ConsumeParams) (protocol.ConsumeResult, error) {
	kind, err := parseKind(p.Kind)
	if err != nil {
		return protocol.ConsumeResult{}, err
	}
	rt, err := o.runtimeOf(user)
	if err != nil {
		return protocol.ConsumeResult{}, err
	}
	c, err := rt.Consume(ctx, user, p.RemoteUserID, kind, p.RtpCapabilities)
	if err != nil {
		return protocol.ConsumeResult{}, err
	}
	return protocol.ConsumeResult{
		ProducerID:    c.ProducerID(),
		ConsumerID:    c.ID(),
		Kind:          kind,
		RtpParameters: c.RtpParameters(),
	}, nil
}

func (o *Orchestrator) CloseProducer(user domain.UserID, p protocol.CloseProducerParams) (protocol.Ack, error) {
	kind, err := parseKind(p.Kind)
	if err != nil {
		return protocol.Ack{}, err
	}
	rt, err := o.runtimeOf(user)
	if err != nil {
		return protocol.Ack{}, err
	}
	rt.CloseProducer(user, kind)
	return protocol.Ack{OK: true}, nil
}

func (o *Orchestrator) GetProducers(user domain.UserID) (protocol.ProducersResult, error) {
	rt, err := o.runtimeOf(user)
	if err != nil {
		return protocol.ProducersResult{}, err
	}
	ids := rt.RemoteProducerIDs(user)
	return protocol.ProducersResult{
		Audio:  orEmpty(ids[domain.KindAudio]),
		Video:  orEmpty(ids[domain.KindVideo]),
		Screen: orEmpty(ids[domain.KindScreen]),
	}, nil
}

func orEmpty(ids []domain.UserID) []domain.UserID {
	if ids == nil {
		return []domain.UserID{}
	}
	return ids
}

// UpdateState applies the flags the caller's grant covers. Uncovered flags
// are dropped without error.
func (o *Orchestrator) UpdateState(ctx context.Context, user domain.UserID, patch protocol.UpdateStateParams) (protocol.UpdateStateResult, error) {
	rt, err := o.runtimeOf(user)
	if err != nil {
		return protocol.UpdateStateResult{}, err
	}
	caps, err := o.capabilities(ctx, rt, user)
	if err != nil {
		return protocol.UpdateStateResult{}, err
	}
	allowed := caps.Filter(patch)
	state, ok := rt.UpdateState(user, allowed)
	if !ok {
		return protocol.UpdateStateResult{}, errNotInVoice
	}
	if !allowed.Empty() {
		o.Publish(core.Event{Type: core.EventVoiceStateUpdated, ChannelID: rt.ID(), UserID: user, State: &state})
	}
	return protocol.UpdateStateResult{State: state}, nil
}
