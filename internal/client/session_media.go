package client

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
)

// bootstrapConcurrency caps the consumes issued at once after joining.
const bootstrapConcurrency = 4

func (s *Session) producer(kind domain.MediaKind) core.LocalProducer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producers[kind]
}

func (s *Session) acquire(ctx context.Context, kind domain.MediaKind) (core.MediaTrack, error) {
	switch kind {
	case domain.KindAudio:
		return s.media.GetUserMedia(ctx, core.MediaTypeAudio, s.opts.Constraints.Audio)
	case domain.KindVideo:
		return s.media.GetUserMedia(ctx, core.MediaTypeVideo, s.opts.Constraints.Video)
	case domain.KindScreen:
		return s.media.GetDisplayMedia(ctx, s.opts.Constraints.Screen)
	}
	return nil, fmt.Errorf("%w: unknown media kind %q", core.ErrBadRequest, kind)
}

// StartLocalProducer captures kind and publishes it. Publishing a kind that
// is already live is a no-op.
func (s *Session) StartLocalProducer(ctx context.Context, kind domain.MediaKind) error {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()

	s.mu.Lock()
	send, existing := s.send, s.producers[kind]
	s.mu.Unlock()
	if send == nil {
		return errNotJoined
	}
	if existing != nil && !existing.Closed() {
		return nil
	}
	if !s.device.CanProduce(protocol.EngineMediaType(kind)) {
		return fmt.Errorf("%w: device cannot produce %s", core.ErrBadRequest, kind)
	}

	track, err := s.acquire(ctx, kind)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", kind, err)
	}
	if kind == domain.KindAudio {
		track.SetEnabled(!s.State().MicMuted)
	}
	announce := func(ctx context.Context, params core.RtpParameters) (string, error) {
		var res protocol.ProduceResult
		err := s.sig.Call(ctx, protocol.MethodProduce, protocol.ProduceParams{
			TransportID:   send.ID(),
			Kind:          kind,
			RtpParameters: params,
		}, &res)
		return res.ProducerID, err
	}
	p, err := send.Produce(ctx, track, announce)
	if err != nil {
		track.Stop()
		return fmt.Errorf("produce %s: %w", kind, err)
	}

	s.mu.Lock()
	s.producers[kind] = p
	s.mu.Unlock()
	p.OnClose(func() { s.producerClosed(kind, p) })
	track.OnEnded(func() {
		s.spawn(func(ctx context.Context) { s.trackEnded(ctx, kind, p) })
	})
	if p.Closed() {
		s.producerClosed(kind, p)
	}
	s.logger.Info().Str("kind", string(kind)).Str("producer", p.ID()).Msg("producing")
	return nil
}

// producerClosed runs when a live producer closes without StopLocalProducer,
// e.g. with its transport. The server side producer is closed to match.
func (s *Session) producerClosed(kind domain.MediaKind, p core.LocalProducer) {
	s.mu.Lock()
	if s.producers[kind] != p {
		s.mu.Unlock()
		return
	}
	delete(s.producers, kind)
	s.mu.Unlock()
	p.Track().Stop()
	s.spawn(func(ctx context.Context) {
		var ack protocol.Ack
		if err := s.sig.Call(ctx, protocol.MethodCloseProducer, protocol.CloseProducerParams{Kind: kind}, &ack); err != nil {
			s.logger.Debug().Err(err).Str("kind", string(kind)).Msg("close remote producer")
		}
	})
}

// trackEnded handles a capture source that stopped on its own, like a
// revoked camera or the system stop-sharing control.
func (s *Session) trackEnded(ctx context.Context, kind domain.MediaKind, p core.LocalProducer) {
	if s.producer(kind) != p {
		return
	}
	s.logger.Info().Str("kind", string(kind)).Msg("local track ended")
	switch kind {
	case domain.KindScreen:
		_ = s.SetSharingScreen(ctx, false)
	case domain.KindVideo:
		_ = s.SetWebcamEnabled(ctx, false)
	default:
		_ = s.StopLocalProducer(ctx, kind)
	}
}

// StopLocalProducer stops the capture of kind and closes its producer on
// both sides.
func (s *Session) StopLocalProducer(ctx context.Context, kind domain.MediaKind) error {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()

	s.mu.Lock()
	p := s.producers[kind]
	delete(s.producers, kind)
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	p.Track().Stop()
	if err := p.Close(); err != nil {
		s.logger.Debug().Err(err).Str("kind", string(kind)).Msg("close local producer")
	}
	var ack protocol.Ack
	if err := s.sig.Call(ctx, protocol.MethodCloseProducer, protocol.CloseProducerParams{Kind: kind}, &ack); err != nil {
		s.logger.Debug().Err(err).Str("kind", string(kind)).Msg("close remote producer")
	}
	return nil
}

// dropProducer closes the local half of a producer the server already
// closed.
func (s *Session) dropProducer(kind domain.MediaKind, producerID string) {
	s.mu.Lock()
	p := s.producers[kind]
	if p == nil || (producerID != "" && p.ID() != producerID) {
		s.mu.Unlock()
		return
	}
	delete(s.producers, kind)
	s.mu.Unlock()
	p.Track().Stop()
	_ = p.Close()
}

func flightKey(remote domain.UserID, kind domain.MediaKind) string {
	return string(remote) + "/" + string(kind)
}

// ConsumeRemote starts receiving kind from remote. Overlapping calls for the
// same stream share one attempt.
func (s *Session) ConsumeRemote(ctx context.Context, remote domain.UserID, kind domain.MediaKind) error {
	_, err, _ := s.flight.Do(flightKey(remote, kind), func() (any, error) {
		return nil, s.consume(ctx, remote, kind)
	})
	return err
}

func (s *Session) consume(ctx context.Context, remote domain.UserID, kind domain.MediaKind) error {
	s.mu.Lock()
	recv, joined := s.recv, s.joined
	s.mu.Unlock()
	if !joined || recv == nil {
		return errNotJoined
	}

	var res protocol.ConsumeResult
	if err := s.sig.Call(ctx, protocol.MethodConsume, protocol.ConsumeParams{
		Kind:            kind,
		RemoteUserID:    remote,
		RtpCapabilities: s.device.RtpCapabilities(),
	}, &res); err != nil {
		return fmt.Errorf("consume %s of %s: %w", kind, remote, err)
	}

	// The server replaced its consumer for this stream; the old local one
	// is stale.
	s.streams.Remove(remote, kind)
	s.streams.RemoveExternal(string(remote), kind)

	c, err := recv.Consume(ctx, res.ConsumerID, res.ProducerID, protocol.EngineMediaType(kind), res.RtpParameters)
	if err != nil {
		return fmt.Errorf("consume %s of %s: %w", kind, remote, err)
	}
	c.OnClose(func() { s.streams.RemoveConsumer(c.ID()) })
	if s.isParticipant(remote) {
		s.streams.Add(remote, kind, c)
	} else {
		s.streams.AddExternal(string(remote), kind, c)
	}
	if c.Closed() {
		s.streams.RemoveConsumer(c.ID())
	}
	s.logger.Debug().Str("remote", string(remote)).Str("kind", string(kind)).Str("consumer", c.ID()).Msg("consuming")
	return nil
}

func (s *Session) isParticipant(user domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.UserID == user {
			return true
		}
	}
	return false
}

// Bootstrap consumes every stream already produced in the channel. Streams
// that fail are reported one by one and do not stop the rest.
func (s *Session) Bootstrap(ctx context.Context) error {
	var res protocol.ProducersResult
	if err := s.sig.Call(ctx, protocol.MethodGetProducers, nil, &res); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	var g errgroup.Group
	g.SetLimit(bootstrapConcurrency)
	for _, kind := range domain.Kinds {
		for _, remote := range res.ByKind(kind) {
			if remote == s.opts.Self {
				continue
			}
			g.Go(func() error {
				if err := s.ConsumeRemote(ctx, remote, kind); err != nil {
					s.notify(fmt.Sprintf("could not receive %s of %s", kind, remote), err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}
