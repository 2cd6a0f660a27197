package client

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notifier shows user facing problems.
type Notifier interface {
	Notify(msg string, err error)
}

type logNotifier struct {
	logger zerolog.Logger
}

// LogNotifier writes notifications to the global logger.
func LogNotifier() Notifier {
	return logNotifier{logger: log.With().Str("module", "client.notify").Logger()}
}

func (n logNotifier) Notify(msg string, err error) {
	n.logger.Warn().Err(err).Msg(msg)
}
