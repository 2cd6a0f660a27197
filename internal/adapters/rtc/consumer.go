package rtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicertc/internal/core"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStatePaused
	TrackStateDelete
)

// Consumer is a single outgoing copy of a producer's track.
type Consumer struct {
	transport *Transport
	id        string
	producer  *Producer
	appData   core.AppData
	params    core.RtpParameters
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender

	state   atomic.Int32 // Zero by default (TrackStateOk)
	packets atomic.Uint64
	bytes   atomic.Uint64

	mu            sync.Mutex
	closed        bool
	closeHandlers []func()
}

func newConsumer(t *Transport, id string, p *Producer, appData core.AppData, track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, params core.RtpParameters) *Consumer {
	return &Consumer{
		transport: t,
		id:        id,
		producer:  p,
		appData:   appData,
		params:    params,
		track:     track,
		sender:    sender,
	}
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producer.id }
func (c *Consumer) Kind() core.MediaType              { return c.producer.kind }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.params }
func (c *Consumer) AppData() core.AppData             { return c.appData }

func (c *Consumer) Stats() core.TrafficStats {
	return core.TrafficStats{Packets: c.packets.Load(), Bytes: c.bytes.Load()}
}

func (c *Consumer) State() TrackState { return TrackState(c.state.Load()) }

// Pause stops forwarding without tearing the consumer down.
func (c *Consumer) Pause() { c.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStatePaused)) }

func (c *Consumer) Resume() {
	if c.state.CompareAndSwap(int32(TrackStatePaused), int32(TrackStateOk)) {
		c.producer.requestKeyframe()
	}
}

func (c *Consumer) markDelete() { c.state.Store(int32(TrackStateDelete)) }

func (c *Consumer) write(pkt *rtp.Packet) error {
	if err := c.track.WriteRTP(pkt); err != nil {
		return fmt.Errorf("consumer %s: %w", c.id, err)
	}
	c.packets.Add(1)
	c.bytes.Add(uint64(pkt.MarshalSize()))
	return nil
}

func (c *Consumer) start() {
	go c.readRTCP()
	// A new viewer needs a keyframe to start decoding.
	c.producer.requestKeyframe()
}

// readRTCP forwards keyframe requests of the receiving peer upstream.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}

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

	c.markDelete()
	err := c.sender.Stop()
	c.producer.removeConsumer(c)
	c.transport.removeConsumer(c)
	for _, fn := range handlers {
		fn()
	}
	return err
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
