// Package rtc implements the media engine over the pion ORTC API. Every
// transport is a bare ICE gatherer, ICE transport and DTLS transport; RTP is
// forwarded between receivers and senders without decoding.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/protocol"
)

const nackResponderBufferSize = 256

// DefaultConnectTimeout bounds how long produce and consume wait for DTLS.
const DefaultConnectTimeout = 10 * time.Second

type Options struct {
	// ListenIP is the local address the muxes bind to.
	ListenIP string
	// AnnouncedIP is advertised instead of the local host address.
	AnnouncedIP string
	// UDPPort and TCPPort select single-port muxing when set.
	UDPPort int
	TCPPort int
	// PortMin and PortMax bound ephemeral UDP ports when no mux is used.
	PortMin uint16
	PortMax uint16

	ICEServers     []string
	ConnectTimeout time.Duration
	// Loopback advertises loopback candidates for same-host peers.
	Loopback bool
}

// Engine owns the pion API shared by every router.
type Engine struct {
	api     *webrtc.API
	opts    Options
	codecs  []core.RtpCodecCapability
	logger  zerolog.Logger
	closers []func() error

	mu      sync.Mutex
	routers map[string]*Router
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	e := &Engine{
		opts:    opts,
		codecs:  protocol.SupportedCodecs(),
		logger:  log.With().Str("module", "adapters.rtc").Logger(),
		routers: make(map[string]*Router),
	}

	m, err := initMediaEngine(e.codecs)
	if err != nil {
		return nil, err
	}
	ir, err := initInterceptors(m)
	if err != nil {
		return nil, err
	}
	se, err := e.initSettingEngine()
	if err != nil {
		e.closeMuxes()
		return nil, err
	}
	e.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(ir),
	)
	return e, nil
}

func initMediaEngine(codecs []core.RtpCodecCapability) (*webrtc.MediaEngine, error) {
	var m webrtc.MediaEngine
	for _, c := range codecs {
		if err := m.RegisterCodec(codecParameters(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	return &m, nil
}

func initInterceptors(m *webrtc.MediaEngine) (*interceptor.Registry, error) {
	var i interceptor.Registry
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, err
	}
	responder, err := nack.NewResponderInterceptor(nack.ResponderSize(nackResponderBufferSize))
	if err != nil {
		return nil, err
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	i.Add(responder)
	i.Add(generator)

	if err := webrtc.ConfigureRTCPReports(&i); err != nil {
		return nil, err
	}
	return &i, nil
}

func (e *Engine) initSettingEngine() (webrtc.SettingEngine, error) {
	var se webrtc.SettingEngine
	se.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeTCP4,
	})
	se.SetIncludeLoopbackCandidate(e.opts.Loopback)
	if e.opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{e.opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	listenIP := net.ParseIP(e.opts.ListenIP)
	if listenIP == nil {
		listenIP = net.IPv4zero
	}
	if e.opts.UDPPort > 0 {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: listenIP, Port: e.opts.UDPPort})
		if err != nil {
			return se, fmt.Errorf("listen udp: %w", err)
		}
		e.closers = append(e.closers, conn.Close)
		se.SetICEUDPMux(webrtc.NewICEUDPMux(nil, conn))
	} else if e.opts.PortMin > 0 && e.opts.PortMax >= e.opts.PortMin {
		if err := se.SetEphemeralUDPPortRange(e.opts.PortMin, e.opts.PortMax); err != nil {
			return se, err
		}
	}
	if e.opts.TCPPort > 0 {
		ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: listenIP, Port: e.opts.TCPPort})
		if err != nil {
			return se, fmt.Errorf("listen tcp: %w", err)
		}
		e.closers = append(e.closers, ln.Close)
		se.SetICETCPMux(webrtc.NewICETCPMux(nil, ln, 8))
	}
	return se, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	return iceServers(e.opts.ICEServers)
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func (e *Engine) NewRouter(context.Context) (core.Router, error) {
	r := &Router{
		engine:     e,
		id:         uuid.NewString(),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	r.logger = e.logger.With().Str("router", r.id).Logger()
	e.mu.Lock()
	e.routers[r.id] = r
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) forget(r *Router) {
	e.mu.Lock()
	delete(e.routers, r.id)
	e.mu.Unlock()
}

// Close closes every router and the listening sockets.
func (e *Engine) Close() error {
	e.mu.Lock()
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()
	for _, r := range routers {
		_ = r.Close()
	}
	return e.closeMuxes()
}

func (e *Engine) closeMuxes() error {
	var errs []error
	for _, c := range e.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
