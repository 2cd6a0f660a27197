package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
)

var (
	errNotInVoice             = fmt.Errorf("%w: not in a voice channel", core.ErrBadRequest)
	errTransportNotFound      = fmt.Errorf("%w: transport not found", core.ErrNotFound)
	errProducerTransport      = fmt.Errorf("%w: producer transport not found", core.ErrNotFound)
	errConsumerTransport      = fmt.Errorf("%w: consumer transport not found", core.ErrNotFound)
	errProducerNotFound       = fmt.Errorf("%w: producer not found", core.ErrNotFound)
	errIncompatibleCapability = fmt.Errorf("%w: rtp capabilities cannot consume producer", core.ErrBadRequest)
)

// engineErr wraps an engine failure into the error taxonomy, keeping any
// classification the engine already made.
func engineErr(op string, err error) error {
	for _, known := range []error{core.ErrNotFound, core.ErrForbidden, core.ErrBadRequest, core.ErrInternal} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", core.ErrInternal, op, err)
}

type producerRef struct {
	user     domain.UserID
	kind     domain.MediaKind
	producer core.Producer
}

// detached collects engine objects taken out of the maps under the lock so
// they can be closed once it is released.
type detached struct {
	consumers  []core.Consumer
	producers  []producerRef
	transports []core.Transport
}

func (d *detached) empty() bool {
	return len(d.consumers) == 0 && len(d.producers) == 0 && len(d.transports) == 0
}

func (d *detached) closeAll(logger zerolog.Logger) {
	for _, c := range d.consumers {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Str("consumer", c.ID()).Msg("close consumer")
		}
	}
	for _, p := range d.producers {
		if err := p.producer.Close(); err != nil {
			logger.Warn().Err(err).Str("producer", p.producer.ID()).Msg("close producer")
		}
	}
	for _, t := range d.transports {
		if err := t.Close(); err != nil {
			logger.Warn().Err(err).Str("transport", t.ID()).Msg("close transport")
		}
	}
}

// release announces the detached producers and closes everything.
func (r *Runtime) release(d *detached) {
	if d.empty() {
		return
	}
	for _, p := range d.producers {
		r.events.Publish(core.Event{
			Type:       core.EventProducerClosed,
			ChannelID:  r.id,
			UserID:     p.user,
			Kind:       p.kind,
			ProducerID: p.producer.ID(),
		})
	}
	d.closeAll(r.logger)
}

func (r *Runtime) transportsLocked(dir direction) map[domain.UserID]core.Transport {
	if dir == dirSend {
		return r.producerTransports
	}
	return r.consumerTransports
}

func (r *Runtime) detachTransportLocked(d *detached, userID domain.UserID, dir direction, t core.Transport) {
	delete(r.transportsLocked(dir), userID)
	d.transports = append(d.transports, t)
	if dir == dirSend {
		for _, kind := range domain.Kinds {
			if p, ok := r.producers[kind][userID]; ok {
				r.detachProducerLocked(d, userID, kind, p)
			}
		}
		return
	}
	for _, c := range r.consumers[userID] {
		d.consumers = append(d.consumers, c)
	}
	delete(r.consumers, userID)
}

func (r *Runtime) detachProducerLocked(d *detached, userID domain.UserID, kind domain.MediaKind, p core.Producer) {
	delete(r.producers[kind], userID)
	d.producers = append(d.producers, producerRef{user: userID, kind: kind, producer: p})
	key := consumerKey{Remote: userID, Kind: kind}
	for local, m := range r.consumers {
		if c, ok := m[key]; ok && c.ProducerID() == p.ID() {
			d.consumers = append(d.consumers, c)
			delete(m, key)
			if len(m) == 0 {
				delete(r.consumers, local)
			}
		}
	}
}

func (r *Runtime) handleTransportClosed(userID domain.UserID, dir direction, t core.Transport) {
	r.mu.Lock()
	var d detached
	if cur, ok := r.transportsLocked(dir)[userID]; ok && cur == t {
		r.detachTransportLocked(&d, userID, dir, t)
	}
	r.mu.Unlock()
	r.release(&d)
}

func (r *Runtime) handleProducerClosed(userID domain.UserID, kind domain.MediaKind, p core.Producer) {
	r.mu.Lock()
	var d detached
	if cur, ok := r.producers[kind][userID]; ok && cur == p {
		r.detachProducerLocked(&d, userID, kind, p)
	}
	r.mu.Unlock()
	r.release(&d)
}

func (r *Runtime) handleConsumerClosed(local domain.UserID, key consumerKey, c core.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.consumers[local]
	if cur, ok := m[key]; ok && cur == c {
		delete(m, key)
		if len(m) == 0 {
			delete(r.consumers, local)
		}
	}
}

func (r *Runtime) CreateProducerTransport(ctx context.Context, userID domain.UserID) (core.TransportParams, error) {
	return r.createTransport(ctx, userID, dirSend)
}

func (r *Runtime) CreateConsumerTransport(ctx context.Context, userID domain.UserID) (core.TransportParams, error) {
	return r.createTransport(ctx, userID, dirRecv)
}

// createTransport allocates a transport for userID, replacing the one the
// user already had in that direction.
func (r *Runtime) createTransport(ctx context.Context, userID domain.UserID, dir direction) (core.TransportParams, error) {
	release := r.locks.Lock("transport:" + string(userID) + ":" + string(dir))
	defer release()

	if !r.Has(userID) {
		return core.TransportParams{}, errNotInVoice
	}
	t, err := r.router.CreateTransport(ctx, core.TransportOptions{AppData: core.AppData{
		core.AppDataUserID:    string(userID),
		core.AppDataChannelID: string(r.id),
		core.AppDataDirection: string(dir),
	}})
	if err != nil {
		return core.TransportParams{}, engineErr("create transport", err)
	}
	t.OnClose(func() { r.handleTransportClosed(userID, dir, t) })

	r.mu.Lock()
	if r.closed || r.indexLocked(userID) < 0 {
		r.mu.Unlock()
		_ = t.Close()
		return core.TransportParams{}, errNotInVoice
	}
	var d detached
	transports := r.transportsLocked(dir)
	if old, ok := transports[userID]; ok {
		r.detachTransportLocked(&d, userID, dir, old)
	}
	transports[userID] = t
	r.mu.Unlock()
	r.release(&d)

	if r.watcher != nil {
		r.watcher.Watch(t)
	}
	if t.Closed() {
		r.handleTransportClosed(userID, dir, t)
	}
	r.logger.Debug().Str("user", string(userID)).Str("direction", string(dir)).Str("transport", t.ID()).Msg("transport created")
	return t.Params(), nil
}

// ConnectTransport completes the DTLS handshake of one of the user's
// transports.
func (r *Runtime) ConnectTransport(ctx context.Context, userID domain.UserID, transportID string, params core.ConnectParams) error {
	r.mu.RLock()
	var t core.Transport
	for _, cand := range []core.Transport{r.producerTransports[userID], r.consumerTransports[userID]} {
		if cand != nil && cand.ID() == transportID {
			t = cand
		}
	}
	r.mu.RUnlock()
	if t == nil {
		return errTransportNotFound
	}
	if err := t.Connect(ctx, params); err != nil {
		return engineErr("connect transport", err)
	}
	return nil
}

// Produce starts receiving kind from userID. An empty transportID skips the
// transport id check. A previous producer of the same kind is closed first.
func (r *Runtime) Produce(ctx context.Context, userID domain.UserID, transportID string, kind domain.MediaKind, params core.RtpParameters) (core.Producer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	release := r.locks.Lock("produce:" + string(userID) + ":" + string(kind))
	defer release()

	r.mu.RLock()
	member := r.indexLocked(userID) >= 0
	t := r.producerTransports[userID]
	r.mu.RUnlock()
	switch {
	case !member:
		return nil, errNotInVoice
	case t == nil:
		return nil, errProducerTransport
	case transportID != "" && t.ID() != transportID:
		return nil, errTransportNotFound
	}

	r.closeProducer(userID, kind)

	p, err := t.Produce(ctx, core.ProduceOptions{
		Kind:          protocol.EngineMediaType(kind),
		RtpParameters: params,
		AppData: core.AppData{
			core.AppDataKind:      string(kind),
			core.AppDataUserID:    string(userID),
			core.AppDataChannelID: string(r.id),
		},
	})
	if err != nil {
		return nil, engineErr("produce", err)
	}
	p.OnClose(func() { r.handleProducerClosed(userID, kind, p) })

	r.mu.Lock()
	if r.closed || r.producerTransports[userID] != t {
		r.mu.Unlock()
		_ = p.Close()
		return nil, errProducerTransport
	}
	r.producers[kind][userID] = p
	r.mu.Unlock()

	if p.Closed() {
		r.handleProducerClosed(userID, kind, p)
		return nil, errProducerNotFound
	}
	r.logger.Info().Str("user", string(userID)).Str("kind", string(kind)).Str("producer", p.ID()).Msg("producer created")
	return p, nil
}

// CloseProducer closes the user's producer of kind. It reports whether one
// existed.
func (r *Runtime) CloseProducer(userID domain.UserID, kind domain.MediaKind) bool {
	release := r.locks.Lock("produce:" + string(userID) + ":" + string(kind))
	defer release()
	return r.closeProducer(userID, kind)
}

func (r *Runtime) closeProducer(userID domain.UserID, kind domain.MediaKind) bool {
	r.mu.Lock()
	var d detached
	p, ok := r.producers[kind][userID]
	if ok {
		r.detachProducerLocked(&d, userID, kind, p)
	}
	r.mu.Unlock()
	r.release(&d)
	return ok
}

// Consume creates a consumer on local's transport fed by remote's producer
// of kind, replacing any consumer local already had for that pair.
func (r *Runtime) Consume(ctx context.Context, local, remote domain.UserID, kind domain.MediaKind, caps core.RtpCapabilities) (core.Consumer, error) {
	key := consumerKey{Remote: remote, Kind: kind}
	release := r.locks.Lock("consume:" + string(local) + ":" + string(remote) + ":" + string(kind))
	defer release()

	r.mu.RLock()
	member := r.indexLocked(local) >= 0
	t := r.consumerTransports[local]
	p := r.producers[kind][remote]
	r.mu.RUnlock()
	switch {
	case !member:
		return nil, errNotInVoice
	case t == nil:
		return nil, errConsumerTransport
	case p == nil:
		return nil, errProducerNotFound
	}
	if !r.router.CanConsume(p.ID(), caps) {
		return nil, errIncompatibleCapability
	}

	r.mu.Lock()
	var d detached
	if old, ok := r.consumers[local][key]; ok {
		delete(r.consumers[local], key)
		d.consumers = append(d.consumers, old)
	}
	r.mu.Unlock()
	d.closeAll(r.logger)

	c, err := t.Consume(ctx, core.ConsumeOptions{
		ProducerID:      p.ID(),
		RtpCapabilities: caps,
		AppData: core.AppData{
			core.AppDataKind:      string(kind),
			core.AppDataUserID:    string(remote),
			core.AppDataChannelID: string(r.id),
		},
	})
	if err != nil {
		return nil, engineErr("consume", err)
	}
	c.OnClose(func() { r.handleConsumerClosed(local, key, c) })

	r.mu.Lock()
	if r.closed || r.consumerTransports[local] != t || r.producers[kind][remote] != p {
		r.mu.Unlock()
		_ = c.Close()
		return nil, errProducerNotFound
	}
	m, ok := r.consumers[local]
	if !ok {
		m = make(map[consumerKey]core.Consumer)
		r.consumers[local] = m
	}
	m[key] = c
	r.mu.Unlock()

	if c.Closed() {
		r.handleConsumerClosed(local, key, c)
		return nil, errProducerNotFound
	}
	r.logger.Debug().Str("user", string(local)).Str("remote", string(remote)).Str("kind", string(kind)).Str("consumer", c.ID()).Msg("consumer created")
	return c, nil
}

// Producer returns the live producer of userID for kind.
func (r *Runtime) Producer(userID domain.UserID, kind domain.MediaKind) (core.Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[kind][userID]
	return p, ok
}

// Consumer returns what local consumes of remote's kind.
func (r *Runtime) Consumer(local, remote domain.UserID, kind domain.MediaKind) (core.Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[local][consumerKey{Remote: remote, Kind: kind}]
	return c, ok
}

// RemoteProducerIDs returns, per kind and in join order, the users other
// than userID that currently produce.
func (r *Runtime) RemoteProducerIDs(userID domain.UserID) RemoteProducers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(RemoteProducers, len(domain.Kinds))
	for _, kind := range domain.Kinds {
		ids := make([]domain.UserID, 0, len(r.producers[kind]))
		for _, p := range r.participants {
			if p.UserID == userID {
				continue
			}
			if _, ok := r.producers[kind][p.UserID]; ok {
				ids = append(ids, p.UserID)
			}
		}
		out[kind] = ids
	}
	return out
}

// References reports whether any engine object still belongs to or feeds
// from userID.
func (r *Runtime) References(userID domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.producerTransports[userID]; ok {
		return true
	}
	if _, ok := r.consumerTransports[userID]; ok {
		return true
	}
	if len(r.consumers[userID]) > 0 {
		return true
	}
	for _, kind := range domain.Kinds {
		if _, ok := r.producers[kind][userID]; ok {
			return true
		}
	}
	for _, m := range r.consumers {
		for key := range m {
			if key.Remote == userID {
				return true
			}
		}
	}
	return false
}
