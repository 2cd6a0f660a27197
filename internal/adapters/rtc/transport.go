package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicertc/internal/core"
)

// Transport is one peer's ICE/DTLS session. The server side is always ICE
// controlled; the remote peer drives connectivity checks.
type Transport struct {
	*iceSession
	router  *Router
	id      string
	appData core.AppData

	closeHandlers []func()
	producers     map[string]*Producer
	consumers     map[string]*Consumer
}

func newTransport(ctx context.Context, r *Router, id string, appData core.AppData) (*Transport, error) {
	logger := r.logger.With().Str("transport", id).Str("user", appData[core.AppDataUserID]).Logger()
	s, err := newICESession(ctx, r.engine.api, r.engine.iceServers(), r.engine.opts.ConnectTimeout, logger)
	if err != nil {
		return nil, err
	}
	return &Transport{
		iceSession: s,
		router:     r,
		id:         id,
		appData:    appData,
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}, nil
}

func (t *Transport) ID() string            { return t.id }
func (t *Transport) AppData() core.AppData { return t.appData }

func (t *Transport) Params() core.TransportParams {
	p := t.local
	p.ID = t.id
	return p
}

// Connect starts ICE and DTLS against the remote peer. It returns once the
// handshake is under way; state changes report the outcome.
func (t *Transport) Connect(_ context.Context, params core.ConnectParams) error {
	if params.IceParameters == nil {
		return fmt.Errorf("%w: ice parameters required", core.ErrBadRequest)
	}
	return t.start(*params.IceParameters, params.IceCandidates, params.DtlsParameters, webrtc.ICERoleControlled)
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	codec, params, err := findCodec(t.router.engine.codecs, opts.RtpParameters)
	if err != nil {
		return nil, err
	}
	if codec.Kind != opts.Kind {
		return nil, fmt.Errorf("%w: %s codec for %s producer", core.ErrBadRequest, codec.Kind, opts.Kind)
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.router.engine.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	ssrc := opts.RtpParameters.Encodings[0].SSRC
	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(ssrc),
			PayloadType: webrtc.PayloadType(params.PayloadType),
		},
	}}}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}
	receiver.SetRTPParameters(webrtc.RTPParameters{
		Codecs: []webrtc.RTPCodecParameters{codecParameters(codec)},
	})

	p := newProducer(t, uuid.NewString(), opts, codec, receiver)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, fmt.Errorf("%w: transport", core.ErrClosed)
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)
	p.start()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("%w: producer", core.ErrNotFound)
	}
	if !core.CanConsume(p.RtpParameters(), opts.RtpCapabilities) {
		return nil, fmt.Errorf("%w: rtp capabilities cannot consume producer", core.ErrBadRequest)
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	codec := codecParameters(p.codec)
	track, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, id, p.streamID())
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.engine.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	send := sender.GetParameters()
	if err := sender.Send(send); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("send: %w", err)
	}
	if len(send.Encodings) == 0 {
		_ = sender.Stop()
		return nil, errors.New("rtp sender without encodings")
	}

	c := newConsumer(t, id, p, opts.AppData, track, sender, core.RtpParameters{
		Codecs:    []core.RtpCodecParameters{toCodecParameters(codec)},
		Encodings: []core.RtpEncodingParameters{{SSRC: uint32(send.Encodings[0].SSRC)}},
		Rtcp:      core.RtcpParameters{CNAME: p.streamID()},
	})
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, fmt.Errorf("%w: transport", core.ErrClosed)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	if !p.addConsumer(c) {
		_ = c.Close()
		return nil, fmt.Errorf("%w: producer", core.ErrNotFound)
	}
	c.start()
	return c, nil
}

func (t *Transport) removeProducer(p *Producer) {
	t.mu.Lock()
	delete(t.producers, p.id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(c *Consumer) {
	t.mu.Lock()
	delete(t.consumers, c.id)
	t.mu.Unlock()
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.closeHandlers = append(t.closeHandlers, fn)
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	if !t.markClosed() {
		return nil
	}
	t.mu.Lock()
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	handlers := append([]func(){}, t.closeHandlers...)
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	err := t.stopEngine()
	t.router.removeTransport(t)
	t.setState(core.TransportStateClosed)
	for _, fn := range handlers {
		fn()
	}
	t.logger.Debug().Msg("transport closed")
	return err
}

func (t *Transport) Closed() bool { return t.isClosed() }
