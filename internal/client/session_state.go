package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
	"github.com/dkeye/voicertc/internal/stats"
)

// applyState changes the local state optimistically, runs the local effect
// and confirms with the server. Any failure restores the previous state and
// undoes the effect. When not joined only the local state changes; it is
// sent with the next join.
func (s *Session) applyState(ctx context.Context, patch domain.StatePatch, what string, apply func(context.Context) error, revert func()) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	s.mu.Lock()
	prev := s.state
	s.state = prev.Apply(patch)
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return nil
	}

	if apply != nil {
		if err := apply(ctx); err != nil {
			s.setState(prev)
			s.notify("could not "+what, err)
			return err
		}
	}
	var res protocol.UpdateStateResult
	if err := s.sig.Call(ctx, protocol.MethodUpdateState, patch, &res); err != nil {
		if revert != nil {
			revert()
		}
		s.setState(prev)
		s.notify("could not "+what, err)
		return err
	}
	s.setState(res.State)
	if res.State.Apply(patch) != res.State {
		if revert != nil {
			revert()
		}
		err := fmt.Errorf("%w: not allowed to %s", core.ErrForbidden, what)
		s.notify("could not "+what, err)
		return err
	}
	return nil
}

func (s *Session) setState(st domain.VoiceState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) SetMicMuted(ctx context.Context, muted bool) error {
	what := "unmute the microphone"
	if muted {
		what = "mute the microphone"
	}
	apply := func(ctx context.Context) error {
		p := s.producer(domain.KindAudio)
		if p == nil {
			if muted {
				return nil
			}
			return s.StartLocalProducer(ctx, domain.KindAudio)
		}
		p.Track().SetEnabled(!muted)
		return nil
	}
	revert := func() {
		if p := s.producer(domain.KindAudio); p != nil {
			p.Track().SetEnabled(muted)
		}
	}
	return s.applyState(ctx, domain.StatePatch{MicMuted: domain.Bool(muted)}, what, apply, revert)
}

// SetSoundMuted changes whether remote audio is played.
func (s *Session) SetSoundMuted(ctx context.Context, muted bool) error {
	what := "unmute sound"
	if muted {
		what = "mute sound"
	}
	return s.applyState(ctx, domain.StatePatch{SoundMuted: domain.Bool(muted)}, what, nil, nil)
}

func (s *Session) SetWebcamEnabled(ctx context.Context, on bool) error {
	return s.setPublishing(ctx, domain.KindVideo, on, domain.StatePatch{WebcamEnabled: domain.Bool(on)}, "the camera")
}

func (s *Session) SetSharingScreen(ctx context.Context, on bool) error {
	return s.setPublishing(ctx, domain.KindScreen, on, domain.StatePatch{SharingScreen: domain.Bool(on)}, "screen sharing")
}

func (s *Session) setPublishing(ctx context.Context, kind domain.MediaKind, on bool, patch domain.StatePatch, name string) error {
	what := "stop " + name
	if on {
		what = "start " + name
	}
	apply := func(ctx context.Context) error {
		if on {
			return s.StartLocalProducer(ctx, kind)
		}
		return s.StopLocalProducer(ctx, kind)
	}
	var revert func()
	if on {
		revert = func() {
			ctx, cancel := context.WithTimeout(s.ctx, callTimeout)
			defer cancel()
			_ = s.StopLocalProducer(ctx, kind)
		}
	}
	return s.applyState(ctx, patch, what, apply, revert)
}

// HandleNotification applies one server event.
func (s *Session) HandleNotification(ctx context.Context, n Notification) {
	switch n.Method {
	case protocol.EventNewProducer:
		var ev protocol.ProducerEvent
		if !s.decode(n, &ev) || ev.UserID == s.opts.Self {
			return
		}
		if err := s.ConsumeRemote(ctx, ev.UserID, ev.Kind); err != nil {
			s.notify(fmt.Sprintf("could not receive %s of %s", ev.Kind, ev.UserID), err)
		}
	case protocol.EventProducerClosed:
		var ev protocol.ProducerEvent
		if !s.decode(n, &ev) {
			return
		}
		if ev.UserID == s.opts.Self {
			s.dropProducer(ev.Kind, ev.ProducerID)
			return
		}
		if info, ok := s.streams.Get(ev.UserID, ev.Kind); ok && (ev.ProducerID == "" || info.ProducerID == ev.ProducerID) {
			s.streams.Remove(ev.UserID, ev.Kind)
		}
		s.streams.RemoveExternal(string(ev.UserID), ev.Kind)
	case protocol.EventUserJoinedVoice:
		var ev protocol.MembershipEvent
		if !s.decode(n, &ev) || !s.inChannel(ev.ChannelID) {
			return
		}
		st := domain.VoiceState{}
		if ev.State != nil {
			st = *ev.State
		}
		s.upsertParticipant(ev.UserID, st)
	case protocol.EventUserLeftVoice:
		var ev protocol.MembershipEvent
		if !s.decode(n, &ev) {
			return
		}
		if ev.UserID == s.opts.Self {
			s.evicted(ev.ChannelID)
			return
		}
		s.removeParticipant(ev.UserID)
		s.streams.RemoveUser(ev.UserID)
	case protocol.EventVoiceStateUpdated:
		var ev protocol.StateEvent
		if !s.decode(n, &ev) || !s.inChannel(ev.ChannelID) {
			return
		}
		s.upsertParticipant(ev.UserID, ev.State)
	default:
		s.logger.Debug().Str("method", n.Method).Msg("unknown notification")
	}
}

func (s *Session) decode(n Notification, v any) bool {
	if err := json.Unmarshal(n.Params, v); err != nil {
		s.logger.Warn().Err(err).Str("method", n.Method).Msg("bad notification")
		return false
	}
	return true
}

func (s *Session) inChannel(ch domain.ChannelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined && s.channel == ch
}

func (s *Session) upsertParticipant(user domain.UserID, st domain.VoiceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user == s.opts.Self {
		s.state = st
	}
	for i := range s.participants {
		if s.participants[i].UserID == user {
			s.participants[i].State = st
			return
		}
	}
	s.participants = append(s.participants, domain.NewParticipant(user, st))
}

func (s *Session) removeParticipant(user domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.participants {
		if p.UserID == user {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			return
		}
	}
}

// evicted handles the server removing us from ch, e.g. when the channel is
// deleted.
func (s *Session) evicted(ch domain.ChannelID) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if !s.inChannel(ch) {
		return
	}
	s.teardown()
	s.notify("removed from the voice channel", fmt.Errorf("%w: channel %s", core.ErrClosed, ch))
}

func (s *Session) statSources() []stats.Source {
	snap := s.streams.entries()
	out := make([]stats.Source, 0, len(snap))
	for _, st := range snap {
		owner := string(st.info.UserID)
		if st.info.External() {
			owner = st.info.Source
		}
		out = append(out, stats.SourceFunc(owner+"/"+string(st.info.Kind), st.handle.Stats))
	}
	return out
}

// Stats returns the smoothed bitrate of every stream, keyed by
// "<user>/<kind>".
func (s *Session) Stats() map[string]float64 {
	out := make(map[string]float64)
	for id, sample := range s.poller.Snapshot() {
		out[id] = sample.Smoothed
	}
	return out
}

// StreamStats returns the smoothed bitrate of the kind stream of owner.
func (s *Session) StreamStats(owner string, kind domain.MediaKind) (float64, bool) {
	sample, ok := s.poller.Latest(owner + "/" + string(kind))
	return sample.Smoothed, ok
}

// RunStats samples the streams until ctx is done.
func (s *Session) RunStats(ctx context.Context) {
	s.poller.Run(ctx)
}
