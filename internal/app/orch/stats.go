package orch

import (
	"context"
	"time"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/stats"
)

const (
	directionIn  = "in"
	directionOut = "out"
)

// RunStats samples runtime traffic and refreshes the gauges every interval
// until ctx is done.
func (o *Orchestrator) RunStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = stats.DefaultInterval
	}
	poller := o.newPoller(interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			o.refreshGauges()
			poller.Poll(now)
		}
	}
}

func (o *Orchestrator) newPoller(interval time.Duration) *stats.Poller {
	return stats.NewPoller(interval, o.trafficSources, func(s stats.Sample) {
		ch, dir := splitSourceID(s.ID)
		o.Metrics.Bitrate.WithLabelValues(ch, dir).Set(s.Smoothed)
	})
}

func (o *Orchestrator) trafficSources() []stats.Source {
	rts := o.Rooms.Runtimes()
	out := make([]stats.Source, 0, 2*len(rts))
	for _, rt := range rts {
		rt := rt
		id := string(rt.ID())
		out = append(out,
			stats.SourceFunc(id+"/"+directionIn, func() core.TrafficStats { in, _ := rt.Traffic(); return in }),
			stats.SourceFunc(id+"/"+directionOut, func() core.TrafficStats { _, out := rt.Traffic(); return out }),
		)
	}
	return out
}

func splitSourceID(id string) (channel, direction string) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '/' {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}

func (o *Orchestrator) refreshGauges() {
	var participants, send, recv, consumers int
	producers := make(map[domain.MediaKind]int, len(domain.Kinds))
	rts := o.Rooms.Runtimes()
	for _, rt := range rts {
		c := rt.Counts()
		participants += c.Participants
		send += c.ProducerTransports
		recv += c.ConsumerTransports
		consumers += c.Consumers
		for k, n := range c.Producers {
			producers[k] += n
		}
	}
	m := o.Metrics
	m.Rooms.Set(float64(len(rts)))
	m.Participants.Set(float64(participants))
	m.Transports.WithLabelValues("send").Set(float64(send))
	m.Transports.WithLabelValues("recv").Set(float64(recv))
	m.Consumers.Set(float64(consumers))
	for _, k := range domain.Kinds {
		m.Producers.WithLabelValues(string(k)).Set(float64(producers[k]))
	}
}
