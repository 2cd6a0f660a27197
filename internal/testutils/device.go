package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dkeye/voicertc/internal/core"
)

// Device is an in-memory client device. Its transports connect as soon as
// they are started and carry no media.
type Device struct {
	// FailLoad, when set, is returned by Load.
	FailLoad error

	mu         sync.Mutex
	caps       *core.RtpCapabilities
	transports []*PeerTransport
}

func NewDevice() *Device { return &Device{} }

func (d *Device) Load(router core.RtpCapabilities) error {
	if d.FailLoad != nil {
		return d.FailLoad
	}
	d.mu.Lock()
	d.caps = &router
	d.mu.Unlock()
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps != nil
}

func (d *Device) RtpCapabilities() core.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.caps == nil {
		return core.RtpCapabilities{}
	}
	return *d.caps
}

func (d *Device) codec(kind core.MediaType) (core.RtpCodecCapability, bool) {
	for _, c := range d.RtpCapabilities().Codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return core.RtpCodecCapability{}, false
}

func (d *Device) CanProduce(kind core.MediaType) bool {
	_, ok := d.codec(kind)
	return ok
}

func (d *Device) CreateSendTransport(_ context.Context, remote core.TransportParams) (core.SendTransport, error) {
	return d.newTransport(remote)
}

func (d *Device) CreateRecvTransport(_ context.Context, remote core.TransportParams) (core.RecvTransport, error) {
	return d.newTransport(remote)
}

func (d *Device) newTransport(remote core.TransportParams) (*PeerTransport, error) {
	if !d.Loaded() {
		return nil, core.ErrDeviceNotLoaded
	}
	t := &PeerTransport{
		device:    d,
		id:        remote.ID,
		state:     core.TransportStateNew,
		producers: make(map[string]*LocalProducer),
		consumers: make(map[string]*LocalConsumer),
	}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

// Transports returns every transport created so far.
func (d *Device) Transports() []*PeerTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*PeerTransport(nil), d.transports...)
}

type PeerTransport struct {
	device *Device
	id     string

	mu            sync.Mutex
	state         core.TransportState
	closed        bool
	ssrc          uint32
	stateHandlers []func(core.TransportState)
	producers     map[string]*LocalProducer
	consumers     map[string]*LocalConsumer
}

func (t *PeerTransport) ID() string { return t.id }

func (t *PeerTransport) LocalParams() core.ConnectParams {
	return core.ConnectParams{
		DtlsParameters: core.DtlsParameters{
			Role:         "auto",
			Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
		},
		IceParameters: &core.IceParameters{UsernameFragment: "client", Password: "secret"},
	}
}

func (t *PeerTransport) Start(context.Context) error {
	if t.Closed() {
		return errClosed
	}
	t.SetState(core.TransportStateConnected)
	return nil
}

func (t *PeerTransport) State() core.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *PeerTransport) OnStateChange(fn func(core.TransportState)) {
	t.mu.Lock()
	t.stateHandlers = append(t.stateHandlers, fn)
	t.mu.Unlock()
}

// SetState drives the ICE/DTLS state as a real transport would.
func (t *PeerTransport) SetState(s core.TransportState) {
	t.mu.Lock()
	if (t.closed && s != core.TransportStateClosed) || t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	handlers := append([]func(core.TransportState){}, t.stateHandlers...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (t *PeerTransport) Produce(ctx context.Context, track core.MediaTrack, announce core.Announce) (core.LocalProducer, error) {
	codec, ok := t.device.codec(track.Kind())
	if !ok {
		return nil, fmt.Errorf("%w: no codec for %s", core.ErrBadRequest, track.Kind())
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed
	}
	t.ssrc++
	ssrc := 5000 + t.ssrc
	t.mu.Unlock()

	id, err := announce(ctx, core.RtpParameters{
		Codecs: []core.RtpCodecParameters{{
			MimeType:    codec.MimeType,
			PayloadType: codec.PreferredPayloadType,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
		}},
		Encodings: []core.RtpEncodingParameters{{SSRC: ssrc}},
		Rtcp:      core.RtcpParameters{CNAME: track.ID()},
	})
	if err != nil {
		return nil, err
	}
	p := &LocalProducer{transport: t, id: id, track: track}
	t.mu.Lock()
	t.producers[id] = p
	t.mu.Unlock()
	return p, nil
}

func (t *PeerTransport) Consume(_ context.Context, consumerID, producerID string, kind core.MediaType, params core.RtpParameters) (core.LocalConsumer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	c := &LocalConsumer{transport: t, id: consumerID, producerID: producerID, kind: kind}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	t.consumers[consumerID] = c
	return c, nil
}

// Producers returns the live local producers.
func (t *PeerTransport) Producers() []*LocalProducer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*LocalProducer, 0, len(t.producers))
	for _, p := range t.producers {
		out = append(out, p)
	}
	return out
}

// Consumer looks up a live local consumer.
func (t *PeerTransport) Consumer(id string) (*LocalConsumer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.consumers[id]
	return c, ok
}

func (t *PeerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ps := make([]*LocalProducer, 0, len(t.producers))
	for _, p := range t.producers {
		ps = append(ps, p)
	}
	cs := make([]*LocalConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		cs = append(cs, c)
	}
	t.mu.Unlock()
	for _, p := range ps {
		_ = p.Close()
	}
	for _, c := range cs {
		_ = c.Close()
	}
	t.SetState(core.TransportStateClosed)
	return nil
}

func (t *PeerTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type LocalProducer struct {
	transport *PeerTransport
	id        string
	track     core.MediaTrack

	mu       sync.Mutex
	closed   bool
	handlers []func()
}

func (p *LocalProducer) ID() string             { return p.id }
func (p *LocalProducer) Kind() core.MediaType   { return p.track.Kind() }
func (p *LocalProducer) Track() core.MediaTrack { return p.track }

func (p *LocalProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}

func (p *LocalProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handlers := append([]func(){}, p.handlers...)
	p.mu.Unlock()
	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	return nil
}

func (p *LocalProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type LocalConsumer struct {
	transport  *PeerTransport
	id         string
	producerID string
	kind       core.MediaType
	bytes      atomic.Uint64
	closeCalls atomic.Int32

	mu       sync.Mutex
	closed   bool
	handlers []func()
}

func (c *LocalConsumer) ID() string           { return c.id }
func (c *LocalConsumer) ProducerID() string   { return c.producerID }
func (c *LocalConsumer) Kind() core.MediaType { return c.kind }

func (c *LocalConsumer) Stats() core.TrafficStats {
	return core.TrafficStats{Bytes: c.bytes.Load()}
}

// AddTraffic pretends n bytes of media arrived.
func (c *LocalConsumer) AddTraffic(n uint64) { c.bytes.Add(n) }

func (c *LocalConsumer) OnClose(fn func()) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

func (c *LocalConsumer) Close() error {
	c.closeCalls.Add(1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handlers := append([]func(){}, c.handlers...)
	c.mu.Unlock()
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	return nil
}

func (c *LocalConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls counts Close invocations, including repeated ones.
func (c *LocalConsumer) CloseCalls() int { return int(c.closeCalls.Load()) }

// Track is a capture source standing in for a microphone, camera or screen.
type Track struct {
	id      string
	kind    core.MediaType
	source  string
	enabled atomic.Bool

	mu      sync.Mutex
	ended   bool
	stopped bool
	hooks   []func()
}

func NewTrack(kind core.MediaType, source string) *Track {
	t := &Track{id: uuid.NewString(), kind: kind, source: source}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string           { return t.id }
func (t *Track) Kind() core.MediaType { return t.kind }
func (t *Track) Source() string       { return t.source }
func (t *Track) SetEnabled(on bool)   { t.enabled.Store(on) }
func (t *Track) Enabled() bool        { return t.enabled.Load() }

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

// End simulates the device going away.
func (t *Track) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	hooks := append([]func(){}, t.hooks...)
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.ended = true
	t.stopped = true
	t.mu.Unlock()
}

func (t *Track) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Stopped reports whether the owner stopped the track.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

var ErrPermissionDenied = errors.New("permission denied")

// MediaDevices hands out Tracks. Sources listed in Deny fail.
type MediaDevices struct {
	mu     sync.Mutex
	deny   map[string]bool
	tracks []*Track
}

func NewMediaDevices() *MediaDevices {
	return &MediaDevices{deny: make(map[string]bool)}
}

// Deny refuses source ("microphone", "camera" or "screen").
func (m *MediaDevices) Deny(source string) {
	m.mu.Lock()
	m.deny[source] = true
	m.mu.Unlock()
}

func (m *MediaDevices) get(kind core.MediaType, source string) (core.MediaTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny[source] {
		return nil, fmt.Errorf("%s: %w", source, ErrPermissionDenied)
	}
	t := NewTrack(kind, source)
	m.tracks = append(m.tracks, t)
	return t, nil
}

func (m *MediaDevices) GetUserMedia(_ context.Context, kind core.MediaType, _ core.MediaConstraints) (core.MediaTrack, error) {
	source := "microphone"
	if kind == core.MediaTypeVideo {
		source = "camera"
	}
	return m.get(kind, source)
}

func (m *MediaDevices) GetDisplayMedia(context.Context, core.MediaConstraints) (core.MediaTrack, error) {
	return m.get(core.MediaTypeVideo, "screen")
}

// Tracks returns every track handed out, oldest first.
func (m *MediaDevices) Tracks() []*Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Track(nil), m.tracks...)
}

// Last returns the newest track of source.
func (m *MediaDevices) Last(source string) *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.tracks) - 1; i >= 0; i-- {
		if m.tracks[i].source == source {
			return m.tracks[i]
		}
	}
	return nil
}
