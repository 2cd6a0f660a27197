package domain

import "errors"

const MaxChannelIDLen = 64

var ErrChannelIDInvalid = errors.New("channel id invalid")

type ChannelID string

func ParseChannelID(raw string) (ChannelID, error) {
	if raw == "" || len(raw) > MaxChannelIDLen {
		return "", ErrChannelIDInvalid
	}
	return ChannelID(raw), nil
}
