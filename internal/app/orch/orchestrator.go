// Package orch coordinates signal sessions with the voice runtimes: it
// authorizes protocol requests, delegates them and fans events out.
package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/app"
	"github.com/dkeye/voicertc/internal/app/voice"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/metrics"
	"github.com/dkeye/voicertc/internal/protocol"
)

type Options struct {
	Auth    core.Authorizer
	Policy  app.Policy
	Metrics *metrics.Metrics
	// DestroyEmpty tears a runtime down once its last participant leaves.
	DestroyEmpty bool
}

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *voice.Registry
	Auth     core.Authorizer
	Policy   app.Policy
	Metrics  *metrics.Metrics

	destroyEmpty bool
	logger       zerolog.Logger
}

// New wires an orchestrator over engine. Runtime events come back through
// Publish; transports are handed to watcher.
func New(engine core.Engine, watcher voice.Watcher, opts Options) *Orchestrator {
	o := &Orchestrator{
		Registry:     app.NewRegistry(),
		Auth:         opts.Auth,
		Policy:       opts.Policy,
		Metrics:      opts.Metrics,
		destroyEmpty: opts.DestroyEmpty,
		logger:       log.With().Str("module", "app.orch").Logger(),
	}
	if o.Auth == nil {
		o.Auth = app.StaticAuthorizer{Default: domain.Capabilities{Speak: true, Video: true, ShareScreen: true}}
	}
	if o.Policy == nil {
		o.Policy = app.SimplePolicy{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	o.Rooms = voice.NewRegistry(engine, o, watcher)
	return o
}

var errNotInVoice = fmt.Errorf("%w: not in a voice channel", core.ErrBadRequest)

// runtimeOf returns the runtime the user currently participates in.
func (o *Orchestrator) runtimeOf(user domain.UserID) (*voice.Runtime, error) {
	ch, ok := o.Registry.ChannelOf(user)
	if !ok {
		return nil, errNotInVoice
	}
	rt, ok := o.Rooms.FindByID(ch)
	if !ok || !rt.Has(user) {
		return nil, errNotInVoice
	}
	return rt, nil
}

func (o *Orchestrator) capabilities(ctx context.Context, rt *voice.Runtime, user domain.UserID) (domain.Capabilities, error) {
	caps, err := o.Auth.Capabilities(ctx, rt.ID(), user)
	if err != nil {
		return domain.Capabilities{}, fmt.Errorf("%w: capabilities: %v", core.ErrInternal, err)
	}
	return caps, nil
}

// Publish fans a runtime event out to the channel. Producer closures and
// state changes also reach the originator so their other views stay in sync.
func (o *Orchestrator) Publish(e core.Event) {
	self := e.Type == core.EventProducerClosed || e.Type == core.EventVoiceStateUpdated
	payload := protocol.EventPayload(e)
	for _, m := range o.Registry.MembersOfChannel(e.ChannelID) {
		if m.UserID == e.UserID && !self {
			continue
		}
		o.notify(e.ChannelID, m, string(e.Type), payload)
	}
}

func (o *Orchestrator) notify(ch domain.ChannelID, m app.Member, method string, payload any) {
	err := m.Conn.Notify(method, payload)
	if err == nil {
		return
	}
	if !errors.Is(err, core.ErrBackpressure) {
		o.logger.Debug().Err(err).Str("user", string(m.UserID)).Str("event", method).Msg("notify failed")
		return
	}
	switch o.Policy.OnBackPressure(ch, m.UserID, method) {
	case app.KickMember:
		o.logger.Warn().Str("user", string(m.UserID)).Str("event", method).Msg("slow connection, kicking")
		// Kick ends the session asynchronously; never block the publisher.
		go o.Kick(m.UserID)
	case app.DropEvent, app.NoAction:
		o.Metrics.DroppedEvents.Inc()
	}
}

// Kick ends the user's signal session; its disconnect releases the media.
func (o *Orchestrator) Kick(user domain.UserID) {
	if !o.Registry.Cancel(user) {
		o.Leave(user)
	}
}
