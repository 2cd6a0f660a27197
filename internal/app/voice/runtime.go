// Package voice holds the per-channel media state: who is in the voice
// session and which transports, producers and consumers they own.
package voice

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/app/health"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
)

// Watcher supervises transport connectivity.
type Watcher interface {
	Watch(t health.Watched)
}

type direction string

const (
	dirSend direction = "send"
	dirRecv direction = "recv"
)

type consumerKey struct {
	Remote domain.UserID
	Kind   domain.MediaKind
}

// RemoteProducers lists, per kind, the users producing it.
type RemoteProducers map[domain.MediaKind][]domain.UserID

// Runtime is the media state of one voice channel. It exclusively owns its
// router and every engine object created through it.
type Runtime struct {
	id      domain.ChannelID
	router  core.Router
	events  core.EventSink
	watcher Watcher
	logger  zerolog.Logger
	locks   *keyLock

	mu                 sync.RWMutex
	closed             bool
	participants       []domain.Participant
	producerTransports map[domain.UserID]core.Transport
	consumerTransports map[domain.UserID]core.Transport
	producers          map[domain.MediaKind]map[domain.UserID]core.Producer
	consumers          map[domain.UserID]map[consumerKey]core.Consumer
}

func newRuntime(id domain.ChannelID, router core.Router, events core.EventSink, watcher Watcher) *Runtime {
	if events == nil {
		events = core.DiscardEvents
	}
	producers := make(map[domain.MediaKind]map[domain.UserID]core.Producer, len(domain.Kinds))
	for _, k := range domain.Kinds {
		producers[k] = make(map[domain.UserID]core.Producer)
	}
	return &Runtime{
		id:                 id,
		router:             router,
		events:             events,
		watcher:            watcher,
		logger:             log.With().Str("module", "app.voice").Str("channel", string(id)).Logger(),
		locks:              newKeyLock(),
		producerTransports: make(map[domain.UserID]core.Transport),
		consumerTransports: make(map[domain.UserID]core.Transport),
		producers:          producers,
		consumers:          make(map[domain.UserID]map[consumerKey]core.Consumer),
	}
}

func (r *Runtime) ID() domain.ChannelID { return r.id }

func (r *Runtime) RouterRtpCapabilities() core.RtpCapabilities {
	return r.router.RtpCapabilities()
}

// AddParticipant adds userID with the given flags. It reports false when the
// user is already present, in which case nothing changes.
func (r *Runtime) AddParticipant(userID domain.UserID, initial domain.VoiceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.indexLocked(userID) >= 0 {
		return false
	}
	r.participants = append(r.participants, domain.NewParticipant(userID, initial))
	r.logger.Info().Str("user", string(userID)).Msg("participant joined")
	return true
}

// RemoveParticipant drops userID and every engine object tied to them,
// including consumers other participants hold on their producers.
func (r *Runtime) RemoveParticipant(userID domain.UserID) {
	r.mu.Lock()
	var d detached
	if i := r.indexLocked(userID); i >= 0 {
		r.participants = append(r.participants[:i], r.participants[i+1:]...)
	}
	if t, ok := r.producerTransports[userID]; ok {
		r.detachTransportLocked(&d, userID, dirSend, t)
	}
	if t, ok := r.consumerTransports[userID]; ok {
		r.detachTransportLocked(&d, userID, dirRecv, t)
	}
	for _, kind := range domain.Kinds {
		if p, ok := r.producers[kind][userID]; ok {
			r.detachProducerLocked(&d, userID, kind, p)
		}
	}
	for _, c := range r.consumers[userID] {
		d.consumers = append(d.consumers, c)
	}
	delete(r.consumers, userID)
	r.mu.Unlock()

	r.release(&d)
	r.logger.Info().Str("user", string(userID)).Msg("participant left")
}

// UpdateState merges patch into the user's flags.
func (r *Runtime) UpdateState(userID domain.UserID, patch domain.StatePatch) (domain.VoiceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(userID)
	if i < 0 {
		return domain.VoiceState{}, false
	}
	r.participants[i].State = r.participants[i].State.Apply(patch)
	return r.participants[i].State, true
}

func (r *Runtime) Has(userID domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexLocked(userID) >= 0
}

// State returns the flags of userID.
func (r *Runtime) State(userID domain.UserID) (domain.VoiceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(userID)
	if i < 0 {
		return domain.VoiceState{}, false
	}
	return r.participants[i].State, true
}

// Participants returns the roster in join order.
func (r *Runtime) Participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Participant(nil), r.participants...)
}

func (r *Runtime) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Counts summarizes live engine objects.
type Counts struct {
	Participants       int
	ProducerTransports int
	ConsumerTransports int
	Producers          map[domain.MediaKind]int
	Consumers          int
}

func (r *Runtime) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := Counts{
		Participants:       len(r.participants),
		ProducerTransports: len(r.producerTransports),
		ConsumerTransports: len(r.consumerTransports),
		Producers:          make(map[domain.MediaKind]int, len(domain.Kinds)),
	}
	for _, k := range domain.Kinds {
		c.Producers[k] = len(r.producers[k])
	}
	for _, m := range r.consumers {
		c.Consumers += len(m)
	}
	return c
}

// Traffic sums the counters of every producer (in) and consumer (out).
func (r *Runtime) Traffic() (in, out core.TrafficStats) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.producers {
		for _, p := range m {
			s := p.Stats()
			in.Packets += s.Packets
			in.Bytes += s.Bytes
		}
	}
	for _, m := range r.consumers {
		for _, c := range m {
			s := c.Stats()
			out.Packets += s.Packets
			out.Bytes += s.Bytes
		}
	}
	return in, out
}

// Close tears down everything and the router. No events are emitted; the
// channel itself is going away.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var d detached
	for _, m := range r.consumers {
		for _, c := range m {
			d.consumers = append(d.consumers, c)
		}
	}
	for kind, m := range r.producers {
		for u, p := range m {
			d.producers = append(d.producers, producerRef{user: u, kind: kind, producer: p})
			delete(m, u)
		}
	}
	for _, t := range r.producerTransports {
		d.transports = append(d.transports, t)
	}
	for _, t := range r.consumerTransports {
		d.transports = append(d.transports, t)
	}
	r.consumers = make(map[domain.UserID]map[consumerKey]core.Consumer)
	r.producerTransports = make(map[domain.UserID]core.Transport)
	r.consumerTransports = make(map[domain.UserID]core.Transport)
	r.participants = nil
	r.mu.Unlock()

	d.closeAll(r.logger)
	if err := r.router.Close(); err != nil {
		r.logger.Error().Err(err).Msg("close router")
	}
	r.logger.Info().Msg("runtime closed")
}

func (r *Runtime) indexLocked(userID domain.UserID) int {
	for i, p := range r.participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}
