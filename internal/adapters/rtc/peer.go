package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicertc/internal/core"
)

// PeerTransport is the client side of one server transport. The client is
// ICE controlling; the server answers connectivity checks.
type PeerTransport struct {
	*iceSession
	device *Device
	remote core.TransportParams

	producers map[string]*LocalProducer
	consumers map[string]*LocalConsumer
}

func (t *PeerTransport) ID() string { return t.remote.ID }

func (t *PeerTransport) LocalParams() core.ConnectParams {
	ice := t.local.IceParameters
	return core.ConnectParams{
		DtlsParameters: t.local.DtlsParameters,
		IceParameters:  &ice,
		IceCandidates:  t.local.IceCandidates,
	}
}

func (t *PeerTransport) Start(context.Context) error {
	return t.start(t.remote.IceParameters, t.remote.IceCandidates, t.remote.DtlsParameters, webrtc.ICERoleControlling)
}

type pionTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// Produce starts sending track. announce runs between building the sender
// and the first packet; its id becomes the producer id.
func (t *PeerTransport) Produce(ctx context.Context, track core.MediaTrack, announce core.Announce) (core.LocalProducer, error) {
	src, ok := track.(pionTrack)
	if !ok {
		return nil, fmt.Errorf("%w: track %T cannot be sent", core.ErrBadRequest, track)
	}
	codec, ok := t.device.codecFor(track.Kind())
	if !ok {
		return nil, fmt.Errorf("%w: device cannot produce %s", core.ErrBadRequest, track.Kind())
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}

	sender, err := t.device.api.NewRTPSender(src.TrackLocal(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	send := sender.GetParameters()
	if len(send.Encodings) == 0 {
		_ = sender.Stop()
		return nil, errors.New("rtp sender without encodings")
	}
	params := core.RtpParameters{
		Codecs:    []core.RtpCodecParameters{toCodecParameters(codecParameters(codec))},
		Encodings: []core.RtpEncodingParameters{{SSRC: uint32(send.Encodings[0].SSRC)}},
		Rtcp:      core.RtcpParameters{CNAME: track.ID()},
	}
	id, err := announce(ctx, params)
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if err := sender.Send(send); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("send: %w", err)
	}

	p := &LocalProducer{
		transport: t,
		id:        id,
		track:     track,
		sender:    sender,
		logger:    t.logger.With().Str("producer", id).Str("kind", string(track.Kind())).Logger(),
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, fmt.Errorf("%w: transport", core.ErrClosed)
	}
	t.producers[id] = p
	t.mu.Unlock()
	go p.drainRTCP()
	return p, nil
}

// Consume starts receiving the stream the server announced for a consumer.
func (t *PeerTransport) Consume(ctx context.Context, consumerID, producerID string, kind core.MediaType, params core.RtpParameters) (core.LocalConsumer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	codec, cp, err := findCodec(t.device.RtpCapabilities().Codecs, params)
	if err != nil {
		return nil, err
	}
	if codec.Kind != kind {
		return nil, fmt.Errorf("%w: %s codec for %s consumer", core.ErrBadRequest, codec.Kind, kind)
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.device.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
			PayloadType: webrtc.PayloadType(cp.PayloadType),
		},
	}}}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}
	receiver.SetRTPParameters(webrtc.RTPParameters{
		Codecs: []webrtc.RTPCodecParameters{codecParameters(codec)},
	})

	c := &LocalConsumer{
		transport:  t,
		id:         consumerID,
		producerID: producerID,
		kind:       kind,
		receiver:   receiver,
		logger:     t.logger.With().Str("consumer", consumerID).Str("kind", string(kind)).Logger(),
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, fmt.Errorf("%w: transport", core.ErrClosed)
	}
	t.consumers[consumerID] = c
	t.mu.Unlock()
	go c.loop()
	go c.drainRTCP()
	return c, nil
}

func (t *PeerTransport) Close() error {
	if !t.markClosed() {
		return nil
	}
	t.mu.Lock()
	producers := make([]*LocalProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*LocalConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	err := t.stopEngine()
	t.setState(core.TransportStateClosed)
	t.logger.Debug().Msg("peer transport closed")
	return err
}

func (t *PeerTransport) Closed() bool { return t.isClosed() }

// LocalProducer sends one local track to the server.
type LocalProducer struct {
	transport *PeerTransport
	id        string
	track     core.MediaTrack
	sender    *webrtc.RTPSender
	logger    zerolog.Logger

	mu            sync.Mutex
	closed        bool
	closeHandlers []func()
}

func (p *LocalProducer) ID() string             { return p.id }
func (p *LocalProducer) Kind() core.MediaType   { return p.track.Kind() }
func (p *LocalProducer) Track() core.MediaTrack { return p.track }

func (p *LocalProducer) drainRTCP() {
	for {
		if _, _, err := p.sender.ReadRTCP(); err != nil {
			return
		}
	}
}

func (p *LocalProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.closeHandlers = append(p.closeHandlers, fn)
	p.mu.Unlock()
}

// Close stops the sender. The track is left to its owner.
func (p *LocalProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handlers := append([]func(){}, p.closeHandlers...)
	p.mu.Unlock()

	err := p.sender.Stop()
	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	p.logger.Debug().Msg("local producer closed")
	return err
}

func (p *LocalProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// LocalConsumer receives one remote stream. Packets go to the sink when one
// is set and are counted either way.
type LocalConsumer struct {
	transport  *PeerTransport
	id         string
	producerID string
	kind       core.MediaType
	receiver   *webrtc.RTPReceiver
	logger     zerolog.Logger

	packets atomic.Uint64
	bytes   atomic.Uint64
	sink    atomic.Pointer[func(*rtp.Packet)]

	mu            sync.Mutex
	closed        bool
	closeHandlers []func()
}

func (c *LocalConsumer) ID() string           { return c.id }
func (c *LocalConsumer) ProducerID() string   { return c.producerID }
func (c *LocalConsumer) Kind() core.MediaType { return c.kind }

func (c *LocalConsumer) Stats() core.TrafficStats {
	return core.TrafficStats{Packets: c.packets.Load(), Bytes: c.bytes.Load()}
}

// SetSink hands every received packet to fn. A nil fn drops them.
func (c *LocalConsumer) SetSink(fn func(*rtp.Packet)) {
	if fn == nil {
		c.sink.Store(nil)
		return
	}
	c.sink.Store(&fn)
}

func (c *LocalConsumer) loop() {
	track := c.receiver.Track()
	if track == nil {
		c.logger.Error().Msg("receiver without track")
		_ = c.Close()
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !c.Closed() {
				c.logger.Info().Err(err).Msg("remote track ended")
				_ = c.Close()
			}
			return
		}
		c.packets.Add(1)
		c.bytes.Add(uint64(pkt.MarshalSize()))
		if fn := c.sink.Load(); fn != nil {
			(*fn)(pkt)
		}
	}
}

func (c *LocalConsumer) drainRTCP() {
	for {
		if _, _, err := c.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (c *LocalConsumer) OnClose(fn func()) {
	c.mu.Lock()
	c.closeHandlers = append(c.closeHandlers, fn)
	c.mu.Unlock()
}

func (c *LocalConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handlers := append([]func(){}, c.closeHandlers...)
	c.mu.Unlock()

	err := c.receiver.Stop()
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	c.logger.Debug().Msg("local consumer closed")
	return err
}

func (c *LocalConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
