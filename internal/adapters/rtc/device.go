package rtc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/protocol"
)

type DeviceOptions struct {
	ICEServers     []string
	ConnectTimeout time.Duration
	Loopback       bool
}

// Device is the client half of the engine. It must be loaded with the room
// router capabilities before any transport is created.
type Device struct {
	api    *webrtc.API
	opts   DeviceOptions
	codecs []core.RtpCodecCapability
	logger zerolog.Logger

	mu   sync.RWMutex
	caps *core.RtpCapabilities
}

func NewDevice(opts DeviceOptions) (*Device, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	d := &Device{
		opts:   opts,
		codecs: protocol.SupportedCodecs(),
		logger: log.With().Str("module", "adapters.rtc.device").Logger(),
	}
	m, err := initMediaEngine(d.codecs)
	if err != nil {
		return nil, err
	}
	ir, err := initInterceptors(m)
	if err != nil {
		return nil, err
	}
	var se webrtc.SettingEngine
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeTCP4})
	se.SetIncludeLoopbackCandidate(opts.Loopback)
	d.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(ir),
	)
	return d, nil
}

func sameCodec(a, b core.RtpCodecCapability) bool {
	return a.Kind == b.Kind &&
		strings.EqualFold(a.MimeType, b.MimeType) &&
		a.ClockRate == b.ClockRate &&
		a.Channels == b.Channels &&
		a.PreferredPayloadType == b.PreferredPayloadType
}

// Load keeps the local codecs the router also offers.
func (d *Device) Load(router core.RtpCapabilities) error {
	var common []core.RtpCodecCapability
	for _, c := range d.codecs {
		for _, r := range router.Codecs {
			if sameCodec(c, r) {
				common = append(common, r)
				break
			}
		}
	}
	if len(common) == 0 {
		return fmt.Errorf("%w: no codec in common with the router", core.ErrBadRequest)
	}
	d.mu.Lock()
	d.caps = &core.RtpCapabilities{Codecs: common}
	d.mu.Unlock()
	d.logger.Debug().Int("codecs", len(common)).Msg("device loaded")
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps != nil
}

func (d *Device) RtpCapabilities() core.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.caps == nil {
		return core.RtpCapabilities{}
	}
	return *d.caps
}

func (d *Device) codecFor(kind core.MediaType) (core.RtpCodecCapability, bool) {
	for _, c := range d.RtpCapabilities().Codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return core.RtpCodecCapability{}, false
}

func (d *Device) CanProduce(kind core.MediaType) bool {
	_, ok := d.codecFor(kind)
	return ok
}

func (d *Device) CreateSendTransport(ctx context.Context, remote core.TransportParams) (core.SendTransport, error) {
	return d.newPeerTransport(ctx, remote, "send")
}

func (d *Device) CreateRecvTransport(ctx context.Context, remote core.TransportParams) (core.RecvTransport, error) {
	return d.newPeerTransport(ctx, remote, "recv")
}

func (d *Device) newPeerTransport(ctx context.Context, remote core.TransportParams, direction string) (*PeerTransport, error) {
	if !d.Loaded() {
		return nil, core.ErrDeviceNotLoaded
	}
	logger := d.logger.With().Str("transport", remote.ID).Str("direction", direction).Logger()
	s, err := newICESession(ctx, d.api, iceServers(d.opts.ICEServers), d.opts.ConnectTimeout, logger)
	if err != nil {
		return nil, err
	}
	return &PeerTransport{
		iceSession: s,
		device:     d,
		remote:     remote,
		producers:  make(map[string]*LocalProducer),
		consumers:  make(map[string]*LocalConsumer),
	}, nil
}
