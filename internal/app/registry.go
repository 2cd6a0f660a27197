package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
)

type sessionEntry struct {
	Channel domain.ChannelID
	Conn    core.SignalConnection
	Cancel  context.CancelFunc
}

// Registry maps users to their live signal connection and the voice channel
// they are in.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.UserID]*sessionEntry)}
}

// BindSignal binds conn to user and returns the connection it replaced.
func (r *Registry) BindSignal(user domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) (core.SignalConnection, context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.sessions[user]
	r.sessions[user] = &sessionEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("user", string(user)).Msg("bound signal")
	if !ok {
		return nil, nil, false
	}
	return old.Conn, old.Cancel, true
}

func (r *Registry) GetSession(user domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[user]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Unbind drops user only while conn is still the bound connection, so a
// late disconnect of a replaced connection leaves the new one alone.
func (r *Registry) Unbind(user domain.UserID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[user]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.sessions, user)
	log.Info().Str("module", "app.registry").Str("user", string(user)).Msg("unbind session")
	return true
}

func (r *Registry) ChannelOf(user domain.UserID) (domain.ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[user]
	if !ok || e.Channel == "" {
		return "", false
	}
	return e.Channel, true
}

func (r *Registry) UpdateChannel(user domain.UserID, ch domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[user]
	if !ok {
		return false
	}
	e.Channel = ch
	log.Info().Str("module", "app.registry").Str("user", string(user)).Str("channel", string(ch)).Msg("updated channel")
	return true
}

func (r *Registry) RemoveChannel(user domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[user]; ok {
		e.Channel = ""
	}
}

// Member is a user with a bound connection.
type Member struct {
	UserID domain.UserID
	Conn   core.SignalConnection
}

func (r *Registry) MembersOfChannel(ch domain.ChannelID) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.sessions))
	for user, e := range r.sessions {
		if e.Channel == ch {
			out = append(out, Member{UserID: user, Conn: e.Conn})
		}
	}
	return out
}

// Cancel ends the signal session of user.
func (r *Registry) Cancel(user domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.sessions[user]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("user", string(user)).Msg("canceled session")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
