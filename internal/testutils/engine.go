// Package testutils provides an in-memory media engine for tests. It keeps
// the ownership cascade of a real engine: closing a transport closes its
// producers and consumers, closing a producer closes its consumers.
package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/protocol"
)

var errClosed = errors.New("fake engine: closed")

type Engine struct {
	mu      sync.Mutex
	routers []*Router

	// FailCreateTransport, when set, is returned by CreateTransport.
	FailCreateTransport error
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) NewRouter(context.Context) (core.Router, error) {
	r := &Router{
		engine:     e,
		id:         uuid.NewString(),
		caps:       protocol.RouterCapabilities(),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

// Routers returns every router created so far.
func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

type Router struct {
	engine *Engine
	id     string
	caps   core.RtpCapabilities

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RtpCapabilities() core.RtpCapabilities { return r.caps }

func (r *Router) CreateTransport(_ context.Context, opts core.TransportOptions) (core.Transport, error) {
	if err := r.engine.FailCreateTransport; err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed
	}
	t := &Transport{
		router:    r,
		id:        uuid.NewString(),
		appData:   opts.AppData,
		state:     core.TransportStateNew,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	r.transports[t.id] = t
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps core.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.Closed() {
		return false
	}
	return core.CanConsume(p.params, caps)
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.mu.Unlock()
	for _, t := range ts {
		_ = t.Close()
	}
	return nil
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transport looks up a transport by id.
func (r *Router) Transport(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

// OpenTransports counts transports that are not closed.
func (r *Router) OpenTransports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transports {
		if !t.Closed() {
			n++
		}
	}
	return n
}

type Transport struct {
	router  *Router
	id      string
	appData core.AppData

	mu            sync.Mutex
	state         core.TransportState
	closed        bool
	connected     *core.ConnectParams
	stateHandlers []func(core.TransportState)
	closeHandlers []func()
	producers     map[string]*Producer
	consumers     map[string]*Consumer

	closeCalls atomic.Int32
}

func (t *Transport) ID() string            { return t.id }
func (t *Transport) AppData() core.AppData { return t.appData }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		ID:            t.id,
		IceParameters: core.IceParameters{UsernameFragment: "ufrag-" + t.id[:8], Password: "pwd", IceLite: true},
		IceCandidates: []core.IceCandidate{{
			Foundation: "udpcandidate", Priority: 1076302079, Address: "127.0.0.1",
			Protocol: "udp", Port: 40000, Type: "host",
		}},
		DtlsParameters: core.DtlsParameters{
			Role:         "auto",
			Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) Connect(_ context.Context, params core.ConnectParams) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errClosed
	}
	t.connected = &params
	t.mu.Unlock()
	t.SetState(core.TransportStateConnected)
	return nil
}

// ConnectParams returns what Connect received.
func (t *Transport) ConnectParams() (core.ConnectParams, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected == nil {
		return core.ConnectParams{}, false
	}
	return *t.connected, true
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed
	}
	p := &Producer{
		transport: t,
		id:        uuid.NewString(),
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		appData:   opts.AppData,
		consumers: make(map[string]*Consumer),
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	t.router.mu.Lock()
	p, ok := t.router.producers[opts.ProducerID]
	t.router.mu.Unlock()
	if !ok || p.Closed() {
		return nil, errors.New("fake engine: producer not found")
	}
	codec, _, ok := core.MatchCodec(p.params.Codecs, opts.RtpCapabilities)
	if !ok {
		return nil, errors.New("fake engine: cannot consume")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed
	}
	c := &Consumer{
		transport: t,
		producer:  p,
		id:        uuid.NewString(),
		appData:   opts.AppData,
		params: core.RtpParameters{
			Codecs:    []core.RtpCodecParameters{codec},
			Encodings: []core.RtpEncodingParameters{{SSRC: 1000 + uint32(len(t.consumers))}},
		},
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
	return c, nil
}

func (t *Transport) State() core.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnStateChange(fn func(core.TransportState)) {
	t.mu.Lock()
	t.stateHandlers = append(t.stateHandlers, fn)
	t.mu.Unlock()
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.closeHandlers = append(t.closeHandlers, fn)
	t.mu.Unlock()
}

// SetState drives the ICE/DTLS state as a real engine would.
func (t *Transport) SetState(s core.TransportState) {
	t.mu.Lock()
	if t.closed && s != core.TransportStateClosed {
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

func (t *Transport) Close() error {
	t.closeCalls.Add(1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ps := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		ps = append(ps, p)
	}
	cs := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		cs = append(cs, c)
	}
	handlers := append([]func(){}, t.closeHandlers...)
	t.mu.Unlock()

	for _, c := range cs {
		_ = c.Close()
	}
	for _, p := range ps {
		_ = p.Close()
	}
	t.SetState(core.TransportStateClosed)
	for _, fn := range handlers {
		fn()
	}
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCalls counts Close invocations, including repeated ones.
func (t *Transport) CloseCalls() int { return int(t.closeCalls.Load()) }

type Producer struct {
	transport *Transport
	id        string
	kind      core.MediaType
	params    core.RtpParameters
	appData   core.AppData

	mu            sync.Mutex
	closed        bool
	consumers     map[string]*Consumer
	closeHandlers []func()

	bytes atomic.Uint64
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() core.MediaType              { return p.kind }
func (p *Producer) RtpParameters() core.RtpParameters { return p.params }
func (p *Producer) AppData() core.AppData             { return p.appData }

func (p *Producer) Stats() core.TrafficStats {
	return core.TrafficStats{Bytes: p.bytes.Load()}
}

// AddTraffic pretends n bytes of media arrived.
func (p *Producer) AddTraffic(n uint64) { p.bytes.Add(n) }

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	p.closeHandlers = append(p.closeHandlers, fn)
	p.mu.Unlock()
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cs := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		cs = append(cs, c)
	}
	handlers := append([]func(){}, p.closeHandlers...)
	p.mu.Unlock()

	p.transport.router.mu.Lock()
	delete(p.transport.router.producers, p.id)
	p.transport.router.mu.Unlock()
	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()

	for _, c := range cs {
		_ = c.Close()
	}
	for _, fn := range handlers {
		fn()
	}
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	transport *Transport
	producer  *Producer
	id        string
	params    core.RtpParameters
	appData   core.AppData

	mu            sync.Mutex
	closed        bool
	closeHandlers []func()
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producer.id }
func (c *Consumer) Kind() core.MediaType              { return c.producer.kind }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.params }
func (c *Consumer) AppData() core.AppData             { return c.appData }
func (c *Consumer) Stats() core.TrafficStats          { return c.producer.Stats() }

func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	c.closeHandlers = append(c.closeHandlers, fn)
	c.mu.Unlock()
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handlers := append([]func(){}, c.closeHandlers...)
	c.mu.Unlock()

	c.producer.mu.Lock()
	delete(c.producer.consumers, c.id)
	c.producer.mu.Unlock()
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AudioParameters are valid producer parameters for Opus.
func AudioParameters(ssrc uint32) core.RtpParameters {
	return core.RtpParameters{
		Codecs: []core.RtpCodecParameters{{
			MimeType: "audio/opus", PayloadType: protocol.OpusPayloadType,
			ClockRate: protocol.OpusClockRate, Channels: protocol.OpusChannels,
		}},
		Encodings: []core.RtpEncodingParameters{{SSRC: ssrc}},
	}
}

// VideoParameters are valid producer parameters for VP8.
func VideoParameters(ssrc uint32) core.RtpParameters {
	return core.RtpParameters{
		Codecs: []core.RtpCodecParameters{{
			MimeType: "video/VP8", PayloadType: protocol.VP8PayloadType, ClockRate: protocol.VP8ClockRate,
		}},
		Encodings: []core.RtpEncodingParameters{{SSRC: ssrc}},
	}
}
