package app

import (
	"fmt"

	"github.com/dkeye/voicertc/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropEvent
)

// Policy decides what happens to a member whose connection cannot take
// another event.
type Policy interface {
	OnBackPressure(ch domain.ChannelID, user domain.UserID, event string) BackpressureAction
}

// SimplePolicy kicks slow members.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ChannelID, domain.UserID, string) BackpressureAction {
	return KickMember
}

// DropPolicy loses the event and keeps the member.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.ChannelID, domain.UserID, string) BackpressureAction {
	return DropEvent
}

// ParsePolicy resolves a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
