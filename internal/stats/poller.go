package stats

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/voicertc/internal/core"
)

const DefaultInterval = time.Second

// Source is anything with cumulative traffic counters.
type Source interface {
	ID() string
	Stats() core.TrafficStats
}

type sourceFunc struct {
	id string
	fn func() core.TrafficStats
}

func (s sourceFunc) ID() string               { return s.id }
func (s sourceFunc) Stats() core.TrafficStats { return s.fn() }

// SourceFunc wraps fn as a Source named id.
func SourceFunc(id string, fn func() core.TrafficStats) Source {
	return sourceFunc{id: id, fn: fn}
}

// Sample is one polling result of a source.
type Sample struct {
	ID       string
	Bitrate  float64 // bits per second over the last interval
	Smoothed float64 // rolling mean of Bitrate
	At       time.Time
}

type series struct {
	last    core.TrafficStats
	lastAt  time.Time
	avg     *RollingAverage
	current Sample
}

// Poller samples the sources returned by list on every tick.
type Poller struct {
	interval time.Duration
	window   int
	list     func() []Source
	onSample func(Sample)

	mu     sync.RWMutex
	series map[string]*series
}

func NewPoller(interval time.Duration, list func() []Source, onSample func(Sample)) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		interval: interval,
		window:   DefaultWindow,
		list:     list,
		onSample: onSample,
		series:   make(map[string]*series),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.Poll(now)
		}
	}
}

// Poll takes one sample of every source. Series of sources that disappeared
// are dropped.
func (p *Poller) Poll(now time.Time) {
	sources := p.list()
	samples := make([]Sample, 0, len(sources))

	p.mu.Lock()
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		id := src.ID()
		seen[id] = struct{}{}
		cur := src.Stats()
		s, ok := p.series[id]
		if !ok {
			p.series[id] = &series{last: cur, lastAt: now, avg: NewRollingAverage(p.window)}
			continue
		}
		elapsed := now.Sub(s.lastAt).Seconds()
		var bitrate float64
		// Counters shrink when an aggregated member goes away; treat it as a reset.
		if elapsed > 0 && cur.Bytes >= s.last.Bytes {
			bitrate = float64(cur.Bytes-s.last.Bytes) * 8 / elapsed
		}
		s.last, s.lastAt = cur, now
		s.current = Sample{ID: id, Bitrate: bitrate, Smoothed: s.avg.Add(bitrate), At: now}
		samples = append(samples, s.current)
	}
	for id := range p.series {
		if _, ok := seen[id]; !ok {
			delete(p.series, id)
		}
	}
	p.mu.Unlock()

	if p.onSample != nil {
		for _, s := range samples {
			p.onSample(s)
		}
	}
}

// Latest returns the last sample of id.
func (p *Poller) Latest(id string) (Sample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.series[id]
	if !ok || s.current.At.IsZero() {
		return Sample{}, false
	}
	return s.current, true
}

// Snapshot returns the last sample of every tracked source.
func (p *Poller) Snapshot() map[string]Sample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Sample, len(p.series))
	for id, s := range p.series {
		if !s.current.At.IsZero() {
			out[id] = s.current
		}
	}
	return out
}
