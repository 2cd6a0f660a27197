package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicertc/internal/core"
)

// Router groups the transports of one room. Producers are looked up here
// when a consumer is created.
type Router struct {
	engine *Engine
	id     string
	logger zerolog.Logger

	mu         sync.RWMutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() core.RtpCapabilities {
	return core.RtpCapabilities{Codecs: r.engine.codecs}
}

func (r *Router) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: router", core.ErrClosed)
	}

	t, err := newTransport(ctx, r, uuid.NewString(), opts.AppData)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, fmt.Errorf("%w: router", core.ErrClosed)
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps core.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return core.CanConsume(p.RtpParameters(), caps)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	if !ok || p.Closed() {
		return nil, false
	}
	return p, true
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(p *Producer) {
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(t *Transport) {
	r.mu.Lock()
	delete(r.transports, t.id)
	r.mu.Unlock()
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
		if err := t.Close(); err != nil {
			r.logger.Warn().Err(err).Str("transport", t.id).Msg("close transport")
		}
	}
	r.engine.forget(r)
	r.logger.Info().Msg("router closed")
	return nil
}
