package client

import (
	"sync"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
)

// StreamInfo describes one remote stream for presentation.
type StreamInfo struct {
	UserID     domain.UserID    `json:"userId,omitempty"`
	Source     string           `json:"source,omitempty"`
	Kind       domain.MediaKind `json:"kind"`
	ConsumerID string           `json:"consumerId"`
	ProducerID string           `json:"producerId"`
}

// External reports whether the stream belongs to a non-participant source.
func (i StreamInfo) External() bool { return i.Source != "" }

type ChangeOp int

const (
	StreamAdded ChangeOp = iota
	StreamRemoved
)

type Change struct {
	Op     ChangeOp
	Stream StreamInfo
}

// StreamsSnapshot is a copy of the registry.
type StreamsSnapshot struct {
	Participants map[domain.UserID][]StreamInfo `json:"participants"`
	External     []StreamInfo                   `json:"external"`
}

type stream struct {
	info   StreamInfo
	handle core.LocalConsumer
}

type streamKey struct {
	owner string
	kind  domain.MediaKind
}

// Streams holds the active remote streams of a session. Every removal
// closes the stream's consumer exactly once, outside the lock.
type Streams struct {
	mu         sync.Mutex
	byUser     map[domain.UserID]map[domain.MediaKind]*stream
	external   map[streamKey]*stream
	byConsumer map[string]*stream
	subs       map[int]func(Change)
	nextSub    int
}

func NewStreams() *Streams {
	return &Streams{
		byUser:     make(map[domain.UserID]map[domain.MediaKind]*stream),
		external:   make(map[streamKey]*stream),
		byConsumer: make(map[string]*stream),
		subs:       make(map[int]func(Change)),
	}
}

func newStream(info StreamInfo, c core.LocalConsumer) *stream {
	info.ConsumerID = c.ID()
	info.ProducerID = c.ProducerID()
	return &stream{info: info, handle: c}
}

// Add registers c as the kind stream of user, replacing any previous one.
func (s *Streams) Add(user domain.UserID, kind domain.MediaKind, c core.LocalConsumer) {
	st := newStream(StreamInfo{UserID: user, Kind: kind}, c)
	s.mu.Lock()
	kinds, ok := s.byUser[user]
	if !ok {
		kinds = make(map[domain.MediaKind]*stream)
		s.byUser[user] = kinds
	}
	old := kinds[kind]
	if old != nil {
		delete(s.byConsumer, old.info.ConsumerID)
	}
	kinds[kind] = st
	s.byConsumer[st.info.ConsumerID] = st
	s.mu.Unlock()
	s.replaced(old, st)
}

// AddExternal registers c as the kind stream of a non-participant source.
func (s *Streams) AddExternal(source string, kind domain.MediaKind, c core.LocalConsumer) {
	st := newStream(StreamInfo{Source: source, Kind: kind}, c)
	key := streamKey{owner: source, kind: kind}
	s.mu.Lock()
	old := s.external[key]
	if old != nil {
		delete(s.byConsumer, old.info.ConsumerID)
	}
	s.external[key] = st
	s.byConsumer[st.info.ConsumerID] = st
	s.mu.Unlock()
	s.replaced(old, st)
}

func (s *Streams) replaced(old, st *stream) {
	if old != nil && old.handle != st.handle {
		s.dispose(old)
	}
	s.emit(Change{Op: StreamAdded, Stream: st.info})
}

// Remove drops the kind stream of user.
func (s *Streams) Remove(user domain.UserID, kind domain.MediaKind) bool {
	s.mu.Lock()
	st := s.detachUserLocked(user, kind)
	s.mu.Unlock()
	if st == nil {
		return false
	}
	s.dispose(st)
	return true
}

// RemoveExternal drops the kind stream of source.
func (s *Streams) RemoveExternal(source string, kind domain.MediaKind) bool {
	key := streamKey{owner: source, kind: kind}
	s.mu.Lock()
	st := s.external[key]
	if st != nil {
		delete(s.external, key)
		delete(s.byConsumer, st.info.ConsumerID)
	}
	s.mu.Unlock()
	if st == nil {
		return false
	}
	s.dispose(st)
	return true
}

// RemoveConsumer drops whatever stream is backed by consumerID. A consumer
// that has already been replaced is ignored.
func (s *Streams) RemoveConsumer(consumerID string) bool {
	s.mu.Lock()
	st, ok := s.byConsumer[consumerID]
	if ok {
		if st.info.External() {
			delete(s.external, streamKey{owner: st.info.Source, kind: st.info.Kind})
			delete(s.byConsumer, consumerID)
		} else {
			s.detachUserLocked(st.info.UserID, st.info.Kind)
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.dispose(st)
	return true
}

// RemoveUser drops every stream of user and reports how many there were.
func (s *Streams) RemoveUser(user domain.UserID) int {
	s.mu.Lock()
	kinds := s.byUser[user]
	removed := make([]*stream, 0, len(kinds))
	for _, st := range kinds {
		delete(s.byConsumer, st.info.ConsumerID)
		removed = append(removed, st)
	}
	delete(s.byUser, user)
	s.mu.Unlock()
	for _, st := range removed {
		s.dispose(st)
	}
	return len(removed)
}

// Clear drops everything.
func (s *Streams) Clear() {
	s.mu.Lock()
	removed := make([]*stream, 0, len(s.byConsumer))
	for _, st := range s.byConsumer {
		removed = append(removed, st)
	}
	s.byUser = make(map[domain.UserID]map[domain.MediaKind]*stream)
	s.external = make(map[streamKey]*stream)
	s.byConsumer = make(map[string]*stream)
	s.mu.Unlock()
	for _, st := range removed {
		s.dispose(st)
	}
}

func (s *Streams) detachUserLocked(user domain.UserID, kind domain.MediaKind) *stream {
	kinds := s.byUser[user]
	st := kinds[kind]
	if st == nil {
		return nil
	}
	delete(kinds, kind)
	if len(kinds) == 0 {
		delete(s.byUser, user)
	}
	delete(s.byConsumer, st.info.ConsumerID)
	return st
}

func (s *Streams) dispose(st *stream) {
	if !st.handle.Closed() {
		_ = st.handle.Close()
	}
	s.emit(Change{Op: StreamRemoved, Stream: st.info})
}

// Get returns the kind stream of user.
func (s *Streams) Get(user domain.UserID, kind domain.MediaKind) (StreamInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.byUser[user][kind]
	if st == nil {
		return StreamInfo{}, false
	}
	return st.info, true
}

// Len counts participant and external streams.
func (s *Streams) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byConsumer)
}

func (s *Streams) entries() []stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream, 0, len(s.byConsumer))
	for _, st := range s.byConsumer {
		out = append(out, *st)
	}
	return out
}

func (s *Streams) Snapshot() StreamsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StreamsSnapshot{Participants: make(map[domain.UserID][]StreamInfo, len(s.byUser))}
	for user, kinds := range s.byUser {
		for _, kind := range domain.Kinds {
			if st := kinds[kind]; st != nil {
				snap.Participants[user] = append(snap.Participants[user], st.info)
			}
		}
	}
	for _, st := range s.external {
		snap.External = append(snap.External, st.info)
	}
	return snap
}

// Subscribe calls fn on every change until the returned func is called.
// fn runs on the goroutine that made the change.
func (s *Streams) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Streams) emit(c Change) {
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}
