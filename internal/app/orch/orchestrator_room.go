package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/voicertc/internal/app"
	"github.com/dkeye/voicertc/internal/app/voice"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
)

// Connect binds a fresh signal connection. A previous connection of the same
// user is ended and its voice participation released.
func (o *Orchestrator) Connect(user domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) {
	_, oldCancel, replaced := o.Registry.BindSignal(user, conn, cancel)
	if !replaced {
		return
	}
	o.logger.Info().Str("user", string(user)).Msg("replacing signal connection")
	o.Leave(user)
	if oldCancel != nil {
		oldCancel()
	}
}

// Disconnect handles the end of conn and reports whether conn was still the
// session of user. Nothing happens when conn was already replaced.
func (o *Orchestrator) Disconnect(user domain.UserID, conn core.SignalConnection) bool {
	if cur, ok := o.Registry.GetSession(user); !ok || cur != conn {
		return false
	}
	o.Leave(user)
	return o.Registry.Unbind(user, conn)
}

// seedState applies what the grant forces on a joining participant.
func seedState(st domain.VoiceState, caps domain.Capabilities) domain.VoiceState {
	if !caps.Speak {
		st.MicMuted = true
	}
	if !caps.Video {
		st.WebcamEnabled = false
	}
	if !caps.ShareScreen {
		st.SharingScreen = false
	}
	return st
}

// Join enters the voice session of a channel, leaving any other first.
func (o *Orchestrator) Join(ctx context.Context, user domain.UserID, p protocol.JoinVoiceParams) (protocol.JoinVoiceResult, error) {
	if _, err := domain.ParseChannelID(string(p.ChannelID)); err != nil {
		return protocol.JoinVoiceResult{}, fmt.Errorf("%w: %v", core.ErrBadRequest, err)
	}
	if _, ok := o.Registry.GetSession(user); !ok {
		return protocol.JoinVoiceResult{}, fmt.Errorf("%w: no signal session", core.ErrBadRequest)
	}
	if cur, ok := o.Registry.ChannelOf(user); ok && cur != p.ChannelID {
		o.Leave(user)
	}

	// A runtime emptied and destroyed concurrently refuses participants; the
	// second attempt gets a fresh one.
	for attempt := 0; attempt < 2; attempt++ {
		rt, err := o.Rooms.Create(ctx, p.ChannelID)
		if err != nil {
			return protocol.JoinVoiceResult{}, err
		}
		caps, err := o.capabilities(ctx, rt, user)
		if err != nil {
			return protocol.JoinVoiceResult{}, err
		}
		state := seedState(p.State, caps)
		added := rt.AddParticipant(user, state)
		if !added && !rt.Has(user) {
			continue
		}
		o.Registry.UpdateChannel(user, p.ChannelID)
		if added {
			o.Publish(core.Event{Type: core.EventUserJoinedVoice, ChannelID: p.ChannelID, UserID: user, State: &state})
		}
		return protocol.JoinVoiceResult{
			ChannelID:             p.ChannelID,
			RouterRtpCapabilities: rt.RouterRtpCapabilities(),
			Participants:          rt.Participants(),
		}, nil
	}
	return protocol.JoinVoiceResult{}, fmt.Errorf("%w: channel %s is shutting down", core.ErrInternal, p.ChannelID)
}

// Leave removes the user from their voice channel with every media object
// they own. It reports whether they were in one.
func (o *Orchestrator) Leave(user domain.UserID) bool {
	var rt *voice.Runtime
	if ch, ok := o.Registry.ChannelOf(user); ok {
		rt, _ = o.Rooms.FindByID(ch)
	} else {
		rt, _ = o.Rooms.FindByUserID(user)
	}
	o.Registry.RemoveChannel(user)
	if rt == nil || !rt.Has(user) {
		return false
	}
	rt.RemoveParticipant(user)
	o.Publish(core.Event{Type: core.EventUserLeftVoice, ChannelID: rt.ID(), UserID: user})
	if o.destroyEmpty && o.Rooms.DestroyIfEmpty(rt.ID()) {
		o.logger.Info().Str("channel", string(rt.ID())).Msg("destroyed empty runtime")
	}
	return true
}

// EvictChannel releases everyone in ch and destroys its runtime. The
// channel subsystem calls it when a channel is deleted.
func (o *Orchestrator) EvictChannel(ch domain.ChannelID) bool {
	rt, ok := o.Rooms.FindByID(ch)
	if !ok {
		return false
	}
	// Leave only tells the others, so each evicted user is told first.
	for _, p := range rt.Participants() {
		if conn, ok := o.Registry.GetSession(p.UserID); ok {
			o.notify(ch, app.Member{UserID: p.UserID, Conn: conn}, protocol.EventUserLeftVoice,
				protocol.MembershipEvent{ChannelID: ch, UserID: p.UserID})
		}
		o.Leave(p.UserID)
	}
	o.Rooms.Destroy(ch)
	o.logger.Info().Str("channel", string(ch)).Msg("channel evicted")
	return true
}

// Close releases every runtime at shutdown.
func (o *Orchestrator) Close() {
	o.Rooms.Close()
}
