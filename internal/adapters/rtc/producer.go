package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicertc/internal/core"
)

// Keyframe requests from many consumers collapse into one per interval.
const keyframeInterval = 500 * time.Millisecond

// Producer receives one track and relays every RTP packet to its consumers.
type Producer struct {
	transport *Transport
	id        string
	kind      core.MediaType
	params    core.RtpParameters
	appData   core.AppData
	codec     core.RtpCodecCapability
	receiver  *webrtc.RTPReceiver
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	packets      atomic.Uint64
	bytes        atomic.Uint64
	lastKeyframe atomic.Int64

	mu            sync.RWMutex
	closed        bool
	consumers     map[string]*Consumer
	closeHandlers []func()
}

func newProducer(t *Transport, id string, opts core.ProduceOptions, codec core.RtpCodecCapability, receiver *webrtc.RTPReceiver) *Producer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Producer{
		transport: t,
		id:        id,
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		appData:   opts.AppData,
		codec:     codec,
		receiver:  receiver,
		logger:    t.logger.With().Str("producer", id).Str("kind", opts.AppData[core.AppDataKind]).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		consumers: make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() core.MediaType              { return p.kind }
func (p *Producer) RtpParameters() core.RtpParameters { return p.params }
func (p *Producer) AppData() core.AppData             { return p.appData }

func (p *Producer) Stats() core.TrafficStats {
	return core.TrafficStats{Packets: p.packets.Load(), Bytes: p.bytes.Load()}
}

func (p *Producer) streamID() string {
	if u := p.appData[core.AppDataUserID]; u != "" {
		return u
	}
	return p.id
}

func (p *Producer) start() {
	go p.loop()
	go p.drainRTCP()
}

// loop reads RTP packets from the receiver and forwards them to every consumer.
func (p *Producer) loop() {
	track := p.receiver.Track()
	if track == nil {
		p.logger.Error().Msg("receiver without track")
		_ = p.Close()
		return
	}
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !p.Closed() {
				p.logger.Info().Err(err).Msg("read RTP stopped, closing producer")
				_ = p.Close()
			}
			return
		}
		p.packets.Add(1)
		p.bytes.Add(uint64(pkt.MarshalSize()))
		p.forward(pkt)
	}
}

func (p *Producer) forward(pkt *rtp.Packet) {
	p.mu.RLock()
	snapshot := make(map[string]*Consumer, len(p.consumers))
	maps.Copy(snapshot, p.consumers)
	p.mu.RUnlock()

	var dirty []*Consumer
	for _, c := range snapshot {
		switch c.State() {
		case TrackStateDelete:
			dirty = append(dirty, c)
		case TrackStatePaused:
		case TrackStateOk:
			if err := c.write(pkt); err != nil {
				p.logger.Warn().Err(err).Str("consumer", c.id).Msg("write RTP failed, closing consumer")
				c.markDelete()
				dirty = append(dirty, c)
			}
		}
	}
	// Cleanup is done outside the lock.
	for _, c := range dirty {
		_ = c.Close()
	}
}

// drainRTCP keeps the interceptor chain of the receiver moving.
func (p *Producer) drainRTCP() {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// requestKeyframe asks the sending peer for a fresh keyframe.
func (p *Producer) requestKeyframe() {
	if p.kind != core.MediaTypeVideo || p.Closed() {
		return
	}
	now := time.Now().UnixNano()
	last := p.lastKeyframe.Load()
	if now-last < int64(keyframeInterval) || !p.lastKeyframe.CompareAndSwap(last, now) {
		return
	}
	ssrc := p.params.Encodings[0].SSRC
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		p.logger.Debug().Err(err).Msg("write PLI")
	}
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(c *Consumer) {
	p.mu.Lock()
	delete(p.consumers, c.id)
	p.mu.Unlock()
}

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
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		c.markDelete()
		consumers = append(consumers, c)
	}
	handlers := append([]func(){}, p.closeHandlers...)
	p.mu.Unlock()

	p.cancel()
	for _, c := range consumers {
		_ = c.Close()
	}
	err := p.receiver.Stop()
	p.transport.removeProducer(p)
	p.transport.router.removeProducer(p)
	for _, fn := range handlers {
		fn()
	}
	p.logger.Debug().Msg("producer closed")
	return err
}

func (p *Producer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
