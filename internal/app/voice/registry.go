package voice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
)

// RoomInfo is the listing view of a runtime.
type RoomInfo struct {
	ChannelID        domain.ChannelID `json:"channelId"`
	ParticipantCount int              `json:"participantCount"`
}

// Registry owns every live Runtime, one per channel.
type Registry struct {
	engine  core.Engine
	events  core.EventSink
	watcher Watcher

	mu    sync.RWMutex
	rooms map[domain.ChannelID]*Runtime
}

// NewRegistry returns an empty registry. Runtimes publish their events to
// events and register transports with watcher; both may be nil.
func NewRegistry(engine core.Engine, events core.EventSink, watcher Watcher) *Registry {
	return &Registry{
		engine:  engine,
		events:  events,
		watcher: watcher,
		rooms:   make(map[domain.ChannelID]*Runtime),
	}
}

// Create returns the runtime of id, creating it and its router on first use.
func (r *Registry) Create(ctx context.Context, id domain.ChannelID) (*Runtime, error) {
	r.mu.RLock()
	rt, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok {
		return rt, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok = r.rooms[id]; ok {
		return rt, nil
	}
	router, err := r.engine.NewRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create router: %v", core.ErrInternal, err)
	}
	rt = newRuntime(id, router, r.events, r.watcher)
	r.rooms[id] = rt
	log.Info().Str("module", "app.voice").Str("channel", string(id)).Str("router", router.ID()).Msg("runtime created")
	return rt, nil
}

// Destroy closes the runtime of id. Absent ids are ignored.
func (r *Registry) Destroy(id domain.ChannelID) bool {
	r.mu.Lock()
	rt, ok := r.rooms[id]
	delete(r.rooms, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	rt.Close()
	return true
}

// DestroyIfEmpty closes the runtime of id when nobody is left in it.
func (r *Registry) DestroyIfEmpty(id domain.ChannelID) bool {
	r.mu.Lock()
	rt, ok := r.rooms[id]
	if !ok || rt.ParticipantCount() > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.rooms, id)
	r.mu.Unlock()
	rt.Close()
	return true
}

func (r *Registry) FindByID(id domain.ChannelID) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.rooms[id]
	return rt, ok
}

// FindByUserID returns the runtime userID currently participates in.
func (r *Registry) FindByUserID(userID domain.UserID) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.rooms {
		if rt.Has(userID) {
			return rt, true
		}
	}
	return nil, false
}

// Snapshot projects every roster as userID to state.
func (r *Registry) Snapshot() map[domain.ChannelID]map[domain.UserID]domain.VoiceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.ChannelID]map[domain.UserID]domain.VoiceState, len(r.rooms))
	for id, rt := range r.rooms {
		users := make(map[domain.UserID]domain.VoiceState)
		for _, p := range rt.Participants() {
			users[p.UserID] = p.State
		}
		out[id] = users
	}
	return out
}

func (r *Registry) List() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, rt := range r.rooms {
		out = append(out, RoomInfo{ChannelID: id, ParticipantCount: rt.ParticipantCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Runtimes returns every live runtime.
func (r *Registry) Runtimes() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Runtime, 0, len(r.rooms))
	for _, rt := range r.rooms {
		out = append(out, rt)
	}
	return out
}

// Close destroys every runtime.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[domain.ChannelID]*Runtime)
	r.mu.Unlock()
	for _, rt := range rooms {
		rt.Close()
	}
}
