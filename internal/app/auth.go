package app

import (
	"context"

	"github.com/dkeye/voicertc/internal/domain"
)

// StaticAuthorizer grants Default to everyone except the users listed in
// Users.
type StaticAuthorizer struct {
	Default domain.Capabilities
	Users   map[domain.UserID]domain.Capabilities
}

func (a StaticAuthorizer) Capabilities(_ context.Context, _ domain.ChannelID, user domain.UserID) (domain.Capabilities, error) {
	if c, ok := a.Users[user]; ok {
		return c, nil
	}
	return a.Default, nil
}
