// Package client drives the voice protocol for one local participant: it
// joins a channel, negotiates transports, publishes local media and keeps a
// registry of the remote streams it consumes.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/voicertc/internal/app/health"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
	"github.com/dkeye/voicertc/internal/stats"
)

// callTimeout bounds the requests sent from cleanup paths.
const callTimeout = 5 * time.Second

var (
	errNotJoined     = fmt.Errorf("%w: not in a voice channel", core.ErrBadRequest)
	errSessionClosed = fmt.Errorf("%w: session", core.ErrClosed)
)

// Constraints per capture source.
type Constraints struct {
	Audio  core.MediaConstraints
	Video  core.MediaConstraints
	Screen core.MediaConstraints
}

func DefaultConstraints() Constraints {
	return Constraints{
		Audio: core.MediaConstraints{
			SampleRate:       48000,
			Channels:         2,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Video:  core.MediaConstraints{Width: 1280, Height: 720, FrameRate: 30},
		Screen: core.MediaConstraints{Width: 1920, Height: 1080, FrameRate: 30},
	}
}

type Options struct {
	// Self is the id the server knows this client by.
	Self        domain.UserID
	Constraints Constraints
	Notifier    Notifier
	// Monitor supervises the local transports. A private one is used when nil.
	Monitor       *health.Monitor
	StatsInterval time.Duration
	// AutoMicrophone publishes audio on join unless the mic is muted.
	AutoMicrophone bool
}

type Session struct {
	sig     Signaler
	device  core.Device
	media   core.MediaDevices
	opts    Options
	monitor *health.Monitor
	streams *Streams
	poller  *stats.Poller
	flight  singleflight.Group
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loop   chan struct{}

	// opMu serializes join and leave, stateMu the state setters and mediaMu
	// local producer changes. They are taken in that order.
	opMu    sync.Mutex
	stateMu sync.Mutex
	mediaMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	draining     bool
	joined       bool
	channel      domain.ChannelID
	state        domain.VoiceState
	participants []domain.Participant
	send         core.SendTransport
	recv         core.RecvTransport
	producers    map[domain.MediaKind]core.LocalProducer
}

// NewSession starts handling the notifications of sig.
func NewSession(sig Signaler, device core.Device, media core.MediaDevices, opts Options) *Session {
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier()
	}
	if opts.Constraints == (Constraints{}) {
		opts.Constraints = DefaultConstraints()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = health.NewMonitor(health.DefaultGracePeriod, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		sig:       sig,
		device:    device,
		media:     media,
		opts:      opts,
		monitor:   monitor,
		streams:   NewStreams(),
		logger:    log.With().Str("module", "client.session").Str("user", string(opts.Self)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		loop:      make(chan struct{}),
		producers: make(map[domain.MediaKind]core.LocalProducer),
	}
	s.poller = stats.NewPoller(opts.StatsInterval, s.statSources, nil)
	go s.run()
	return s
}

func (s *Session) Streams() *Streams { return s.streams }

func (s *Session) State() domain.VoiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the joined channel.
func (s *Session) Channel() (domain.ChannelID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, s.joined
}

// Participants is the roster of the joined channel in join order.
func (s *Session) Participants() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Participant(nil), s.participants...)
}

func (s *Session) notify(msg string, err error) {
	s.opts.Notifier.Notify(msg, err)
}

func (s *Session) run() {
	defer close(s.loop)
	for {
		select {
		case <-s.ctx.Done():
			return
		case n, ok := <-s.sig.Notifications():
			if !ok {
				s.signalLost()
				return
			}
			s.HandleNotification(s.ctx, n)
		}
	}
}

func (s *Session) signalLost() {
	if s.ctx.Err() != nil {
		return
	}
	s.opMu.Lock()
	joined := s.isJoined()
	if joined {
		s.teardown()
	}
	s.opMu.Unlock()
	if joined {
		s.notify("lost connection to the voice server", core.ErrClosed)
	}
}

func (s *Session) isJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// Join enters ch: it loads the device with the room capabilities, opens
// both transports, consumes what is already being produced and, when
// enabled, publishes the microphone and camera.
func (s *Session) Join(ctx context.Context, ch domain.ChannelID) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	if s.joined && s.channel == ch {
		s.mu.Unlock()
		return nil
	}
	switching := s.joined
	s.state.SharingScreen = false
	want := s.state
	s.mu.Unlock()
	if switching {
		// The server moves us on join; only local state needs clearing.
		s.teardown()
	}

	var res protocol.JoinVoiceResult
	if err := s.sig.Call(ctx, protocol.MethodJoinVoice, protocol.JoinVoiceParams{ChannelID: ch, State: want}, &res); err != nil {
		s.notify("could not join the voice channel", err)
		return err
	}
	if err := s.device.Load(res.RouterRtpCapabilities); err != nil {
		return s.abortJoin("this device cannot exchange media with the channel", err)
	}

	s.mu.Lock()
	s.joined = true
	s.channel = res.ChannelID
	s.participants = append([]domain.Participant(nil), res.Participants...)
	for _, p := range res.Participants {
		if p.UserID == s.opts.Self {
			s.state = p.State
		}
	}
	state := s.state
	s.mu.Unlock()

	send, recv, err := s.openTransports(ctx)
	if err != nil {
		return s.abortJoin("could not connect media", err)
	}
	s.mu.Lock()
	s.send, s.recv = send, recv
	s.mu.Unlock()
	s.logger.Info().Str("channel", string(ch)).Int("participants", len(res.Participants)).Msg("joined voice")

	if err := s.Bootstrap(ctx); err != nil {
		s.notify("could not load the streams of the channel", err)
	}
	if s.opts.AutoMicrophone && !state.MicMuted && s.device.CanProduce(core.MediaTypeAudio) {
		if err := s.StartLocalProducer(ctx, domain.KindAudio); err != nil {
			s.notify("could not start the microphone", err)
		}
	}
	if state.WebcamEnabled {
		if err := s.StartLocalProducer(ctx, domain.KindVideo); err != nil {
			s.notify("could not start the camera", err)
		}
	}
	return nil
}

func (s *Session) abortJoin(msg string, err error) error {
	s.teardown()
	ctx, cancel := context.WithTimeout(s.ctx, callTimeout)
	defer cancel()
	var ack protocol.Ack
	if lerr := s.sig.Call(ctx, protocol.MethodLeaveVoice, nil, &ack); lerr != nil {
		s.logger.Debug().Err(lerr).Msg("leave after failed join")
	}
	s.notify(msg, err)
	return err
}

func (s *Session) openTransports(ctx context.Context) (core.SendTransport, core.RecvTransport, error) {
	var sendParams, recvParams core.TransportParams
	if err := s.sig.Call(ctx, protocol.MethodCreateProducerTransport, nil, &sendParams); err != nil {
		return nil, nil, fmt.Errorf("create producer transport: %w", err)
	}
	send, err := s.device.CreateSendTransport(ctx, sendParams)
	if err != nil {
		return nil, nil, err
	}
	if err := s.connect(ctx, send); err != nil {
		_ = send.Close()
		return nil, nil, err
	}

	if err := s.sig.Call(ctx, protocol.MethodCreateConsumerTransport, nil, &recvParams); err != nil {
		_ = send.Close()
		return nil, nil, fmt.Errorf("create consumer transport: %w", err)
	}
	recv, err := s.device.CreateRecvTransport(ctx, recvParams)
	if err != nil {
		_ = send.Close()
		return nil, nil, err
	}
	if err := s.connect(ctx, recv); err != nil {
		_ = send.Close()
		_ = recv.Close()
		return nil, nil, err
	}
	return send, recv, nil
}

func (s *Session) connect(ctx context.Context, t core.LocalTransport) error {
	lp := t.LocalParams()
	var ack protocol.Ack
	if err := s.sig.Call(ctx, protocol.MethodConnectTransport, protocol.ConnectTransportParams{
		TransportID:    t.ID(),
		DtlsParameters: lp.DtlsParameters,
		IceParameters:  lp.IceParameters,
		IceCandidates:  lp.IceCandidates,
	}, &ack); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	if err := t.Start(ctx); err != nil {
		return err
	}
	t.OnStateChange(func(st core.TransportState) {
		if st == core.TransportStateClosed {
			s.transportClosed(t)
		}
	})
	s.monitor.Watch(t)
	return nil
}

// transportClosed handles a transport that went away under us. Its
// producers and consumers have been closed with it.
func (s *Session) transportClosed(t core.LocalTransport) {
	s.mu.Lock()
	lost := false
	if s.send != nil && s.send.ID() == t.ID() {
		s.send, lost = nil, true
	}
	if s.recv != nil && s.recv.ID() == t.ID() {
		s.recv, lost = nil, true
	}
	s.mu.Unlock()
	if lost {
		s.logger.Warn().Str("transport", t.ID()).Msg("transport lost")
		s.notify("media connection lost", fmt.Errorf("%w: transport %s", core.ErrClosed, t.ID()))
	}
}

// teardown drops every local media object without telling the server.
func (s *Session) teardown() {
	s.mediaMu.Lock()
	s.mu.Lock()
	send, recv := s.send, s.recv
	producers := s.producers
	s.send, s.recv = nil, nil
	s.producers = make(map[domain.MediaKind]core.LocalProducer)
	s.joined = false
	s.channel = ""
	s.participants = nil
	s.mu.Unlock()
	s.mediaMu.Unlock()

	for _, p := range producers {
		p.Track().Stop()
		_ = p.Close()
	}
	s.streams.Clear()
	if send != nil {
		s.closeTransport(send)
	}
	if recv != nil {
		s.closeTransport(recv)
	}
}

func (s *Session) closeTransport(t core.LocalTransport) {
	if err := t.Close(); err != nil {
		s.logger.Debug().Err(err).Str("transport", t.ID()).Msg("close transport")
	}
}

// Leave exits the joined channel.
func (s *Session) Leave(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if !s.isJoined() {
		return nil
	}
	s.teardown()
	var ack protocol.Ack
	if err := s.sig.Call(ctx, protocol.MethodLeaveVoice, nil, &ack); err != nil {
		return fmt.Errorf("leave voice: %w", err)
	}
	s.logger.Info().Msg("left voice")
	return nil
}

// Close leaves the channel and stops the session. The signaler is closed
// with it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := s.Leave(ctx)
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	if cerr := s.sig.Close(); cerr != nil && !errors.Is(cerr, core.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	<-s.loop
	if s.opts.Monitor == nil {
		s.monitor.Close()
	}
	return err
}

// spawn runs fn on a goroutine Close waits for.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, callTimeout)
		defer cancel()
		fn(ctx)
	}()
}
