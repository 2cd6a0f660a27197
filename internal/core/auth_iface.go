package core

import (
	"context"

	"github.com/dkeye/voicertc/internal/domain"
)

// Authorizer resolves the media grants of a user within a channel. The
// permission subsystem lives outside this module.
type Authorizer interface {
	Capabilities(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.Capabilities, error)
}
