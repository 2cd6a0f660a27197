// Package health supervises transport connectivity. A transport that drops
// to disconnected gets a grace period to recover before it is closed; a
// failed transport is closed at once.
package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/metrics"
)

// DefaultGracePeriod is how long a disconnected transport may stay so.
const DefaultGracePeriod = 5000 * time.Millisecond

const (
	ReasonFailed            = "failed"
	ReasonDisconnectTimeout = "disconnect_timeout"
)

// Watched is the part of a transport the monitor needs.
type Watched interface {
	ID() string
	State() core.TransportState
	OnStateChange(func(core.TransportState))
	Close() error
}

var transitions = fsm.Events{
	{Name: string(core.TransportStateConnecting), Src: []string{
		string(core.TransportStateNew),
	}, Dst: string(core.TransportStateConnecting)},
	{Name: string(core.TransportStateConnected), Src: []string{
		string(core.TransportStateNew),
		string(core.TransportStateConnecting),
		string(core.TransportStateDisconnected),
	}, Dst: string(core.TransportStateConnected)},
	{Name: string(core.TransportStateDisconnected), Src: []string{
		string(core.TransportStateConnecting),
		string(core.TransportStateConnected),
	}, Dst: string(core.TransportStateDisconnected)},
	{Name: string(core.TransportStateFailed), Src: []string{
		string(core.TransportStateNew),
		string(core.TransportStateConnecting),
		string(core.TransportStateConnected),
		string(core.TransportStateDisconnected),
	}, Dst: string(core.TransportStateFailed)},
	{Name: string(core.TransportStateClosed), Src: []string{
		string(core.TransportStateNew),
		string(core.TransportStateConnecting),
		string(core.TransportStateConnected),
		string(core.TransportStateDisconnected),
		string(core.TransportStateFailed),
	}, Dst: string(core.TransportStateClosed)},
}

type Monitor struct {
	grace   time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

func NewMonitor(grace time.Duration, m *metrics.Metrics) *Monitor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Monitor{
		grace:   grace,
		metrics: m,
		logger:  log.With().Str("module", "app.health").Logger(),
		watches: make(map[string]*watch),
	}
}

type watch struct {
	m  *Monitor
	t  Watched
	sm *fsm.FSM

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	forced atomic.Bool
}

// Watch starts supervising t until it reports closed.
func (m *Monitor) Watch(t Watched) {
	w := &watch{
		m:  m,
		t:  t,
		sm: fsm.NewFSM(string(core.TransportStateNew), transitions, fsm.Callbacks{}),
	}
	m.mu.Lock()
	if _, ok := m.watches[t.ID()]; ok {
		m.mu.Unlock()
		return
	}
	m.watches[t.ID()] = w
	m.mu.Unlock()

	t.OnStateChange(w.observe)
	if st := t.State(); st != core.TransportStateNew {
		w.observe(st)
	}
}

// State returns the supervised state of transport id.
func (m *Monitor) State(id string) (core.TransportState, bool) {
	m.mu.Lock()
	w, ok := m.watches[id]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return core.TransportState(w.sm.Current()), true
}

// Watching reports how many transports are supervised.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Close cancels every pending grace timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	ws := make([]*watch, 0, len(m.watches))
	for id, w := range m.watches {
		ws = append(ws, w)
		delete(m.watches, id)
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.disarm()
	}
}

func (m *Monitor) forget(id string) {
	m.mu.Lock()
	delete(m.watches, id)
	m.mu.Unlock()
}

func (w *watch) observe(state core.TransportState) {
	err := w.sm.Event(context.Background(), string(state))
	if err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			w.m.logger.Debug().Err(err).Str("transport", w.t.ID()).Str("state", string(state)).Msg("ignored transition")
		}
		return
	}
	w.m.metrics.TransportStates.WithLabelValues(string(state)).Inc()
	w.m.logger.Debug().Str("transport", w.t.ID()).Str("state", string(state)).Msg("transport state")

	switch state {
	case core.TransportStateDisconnected:
		w.arm()
	case core.TransportStateConnected:
		w.disarm()
	case core.TransportStateFailed:
		w.disarm()
		// Engines report state from their own goroutines; closing inline may
		// re-enter them.
		go w.forceClose(ReasonFailed)
	case core.TransportStateClosed:
		w.disarm()
		w.m.forget(w.t.ID())
	}
}

func (w *watch) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.m.grace, func() { w.expire(gen) })
}

func (w *watch) disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *watch) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	if core.TransportState(w.sm.Current()) != core.TransportStateDisconnected {
		return
	}
	w.forceClose(ReasonDisconnectTimeout)
}

func (w *watch) forceClose(reason string) {
	if !w.forced.CompareAndSwap(false, true) {
		return
	}
	w.m.metrics.ForcedCloses.WithLabelValues(reason).Inc()
	w.m.logger.Info().Str("transport", w.t.ID()).Str("reason", reason).Msg("closing transport")
	if err := w.t.Close(); err != nil {
		w.m.logger.Error().Err(err).Str("transport", w.t.ID()).Msg("close transport")
	}
}
