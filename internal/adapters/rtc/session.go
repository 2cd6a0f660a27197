package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicertc/internal/core"
)

// iceSession is the gatherer, ICE transport and DTLS transport of one side
// of a media connection, with the state machine both sides report.
type iceSession struct {
	logger  zerolog.Logger
	timeout time.Duration

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	local    core.TransportParams

	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}

	mu            sync.Mutex
	state         core.TransportState
	dtlsUp        bool
	started       bool
	closed        bool
	stateHandlers []func(core.TransportState)
}

func newICESession(ctx context.Context, api *webrtc.API, servers []webrtc.ICEServer, timeout time.Duration, logger zerolog.Logger) (*iceSession, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	s := &iceSession{
		logger:    logger,
		timeout:   timeout,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		state:     core.TransportStateNew,
	}
	if err := s.gather(ctx); err != nil {
		_ = s.stopEngine()
		return nil, err
	}
	ice.OnConnectionStateChange(s.onICEState)
	dtls.OnStateChange(s.onDTLSState)
	return s, nil
}

func (s *iceSession) gather(ctx context.Context) error {
	finished := make(chan struct{})
	var once sync.Once
	s.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(finished) })
		}
	})
	if err := s.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	candidates, err := s.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := s.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := s.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	s.local = core.TransportParams{
		IceParameters:  toIceParameters(iceParams),
		IceCandidates:  toIceCandidates(candidates),
		DtlsParameters: toDtlsParameters(dtlsParams),
	}
	s.logger.Debug().Int("candidates", len(candidates)).Msg("gathered")
	return nil
}

// start runs ICE with role and then DTLS against the remote side. It
// returns once the handshake is under way; state changes report the outcome.
func (s *iceSession) start(remoteICE core.IceParameters, remoteCandidates []core.IceCandidate, remoteDTLS core.DtlsParameters, role webrtc.ICERole) error {
	dtlsParams, err := fromDtlsParameters(remoteDTLS)
	if err != nil {
		return err
	}
	candidates, err := fromIceCandidates(remoteCandidates)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return fmt.Errorf("%w: transport", core.ErrClosed)
	case s.started:
		s.mu.Unlock()
		return fmt.Errorf("%w: transport already connected", core.ErrBadRequest)
	}
	s.started = true
	s.mu.Unlock()
	s.setState(core.TransportStateConnecting)

	iceParams := fromIceParameters(remoteICE)
	go func() {
		if err := s.ice.SetRemoteCandidates(candidates); err != nil {
			s.startFailed("set remote candidates", err)
			return
		}
		if err := s.ice.Start(s.gatherer, iceParams, &role); err != nil {
			s.startFailed("start ice", err)
			return
		}
		if err := s.dtls.Start(dtlsParams); err != nil {
			s.startFailed("start dtls", err)
		}
	}()
	return nil
}

func (s *iceSession) startFailed(step string, err error) {
	if s.isClosed() {
		return
	}
	s.logger.Warn().Err(err).Msg(step)
	s.setState(core.TransportStateFailed)
}

func (s *iceSession) onICEState(st webrtc.ICETransportState) {
	s.logger.Debug().Str("ice_state", st.String()).Msg("ICE state")
	switch st {
	case webrtc.ICETransportStateChecking:
		s.setState(core.TransportStateConnecting)
	case webrtc.ICETransportStateConnected, webrtc.ICETransportStateCompleted:
		s.mu.Lock()
		up := s.dtlsUp
		s.mu.Unlock()
		if up {
			s.setState(core.TransportStateConnected)
		}
	case webrtc.ICETransportStateDisconnected:
		s.setState(core.TransportStateDisconnected)
	case webrtc.ICETransportStateFailed:
		s.setState(core.TransportStateFailed)
	}
}

func (s *iceSession) onDTLSState(st webrtc.DTLSTransportState) {
	s.logger.Debug().Str("dtls_state", st.String()).Msg("DTLS state")
	switch st {
	case webrtc.DTLSTransportStateConnected:
		s.mu.Lock()
		s.dtlsUp = true
		s.mu.Unlock()
		s.connectedOnce.Do(func() { close(s.connected) })
		s.setState(core.TransportStateConnected)
	case webrtc.DTLSTransportStateFailed:
		s.setState(core.TransportStateFailed)
	}
}

func (s *iceSession) setState(st core.TransportState) {
	s.mu.Lock()
	if (s.closed && st != core.TransportStateClosed) || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	handlers := append([]func(core.TransportState){}, s.stateHandlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(st)
	}
}

func (s *iceSession) State() core.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *iceSession) OnStateChange(fn func(core.TransportState)) {
	s.mu.Lock()
	s.stateHandlers = append(s.stateHandlers, fn)
	s.mu.Unlock()
}

// waitConnected blocks until DTLS is up.
func (s *iceSession) waitConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	select {
	case <-s.connected:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: transport", core.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: transport not connected: %v", core.ErrBadRequest, ctx.Err())
	}
}

// markClosed flips the session to closed. Only the first call returns true.
func (s *iceSession) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

func (s *iceSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *iceSession) stopEngine() error {
	return errors.Join(s.dtls.Stop(), s.ice.Stop(), s.gatherer.Close())
}
