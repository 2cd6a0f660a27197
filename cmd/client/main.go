package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicertc/internal/adapters/rtc"
	"github.com/dkeye/voicertc/internal/app/health"
	"github.com/dkeye/voicertc/internal/client"
	"github.com/dkeye/voicertc/internal/config"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
)

const reportPeriod = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("voice-client", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Server.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("client failed")
	}
	log.Info().Msg("Client exited")
}

func constraints(c config.ConstraintsConfig) client.Constraints {
	video := func(v config.VideoConstraints) core.MediaConstraints {
		return core.MediaConstraints{Width: v.Width, Height: v.Height, FrameRate: v.FrameRate}
	}
	return client.Constraints{
		Audio: core.MediaConstraints{
			SampleRate:       c.Audio.SampleRate,
			Channels:         c.Audio.Channels,
			EchoCancellation: c.Audio.EchoCancellation,
			NoiseSuppression: c.Audio.NoiseSuppression,
			AutoGainControl:  c.Audio.AutoGainControl,
		},
		Video:  video(c.Video),
		Screen: video(c.Screen),
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	token := cfg.Client.Token
	if token == "" {
		token = uuid.NewString()
	}
	self, err := domain.ParseUserID(token)
	if err != nil {
		return fmt.Errorf("client token: %w", err)
	}
	ch, err := domain.ParseChannelID(cfg.Client.Channel)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	device, err := rtc.NewDevice(rtc.DeviceOptions{
		ICEServers:     cfg.RTC.ICEServers,
		ConnectTimeout: cfg.RTC.ConnectTimeout,
		Loopback:       cfg.RTC.Loopback,
	})
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}
	media := rtc.NewSampleDevices()
	// There is no capture backend; microphones send Opus silence.
	media.OnTrack = func(t *rtc.SampleTrack) {
		if t.Kind() == core.MediaTypeAudio {
			go rtc.FeedSilence(ctx, t)
		}
	}

	sg, err := client.Dial(ctx, cfg.Client.ServerURL, token)
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(cfg.Voice.GracePeriod, nil)
	defer monitor.Close()

	s := client.NewSession(sg, device, media, client.Options{
		Self:           self,
		Constraints:    constraints(cfg.Client.Constraints),
		Monitor:        monitor,
		StatsInterval:  cfg.Voice.StatsInterval,
		AutoMicrophone: true,
	})
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("close session")
		}
	}()
	unsubscribe := s.Streams().Subscribe(func(c client.Change) {
		ev := log.Info().Str("kind", string(c.Stream.Kind)).Str("consumer", c.Stream.ConsumerID)
		if c.Stream.External() {
			ev = ev.Str("source", c.Stream.Source)
		} else {
			ev = ev.Str("user", string(c.Stream.UserID))
		}
		if c.Op == client.StreamAdded {
			ev.Msg("stream added")
		} else {
			ev.Msg("stream removed")
		}
	})
	defer unsubscribe()

	if err := s.Join(ctx, ch); err != nil {
		return err
	}
	log.Info().Str("user", string(self)).Str("channel", string(ch)).Msg("Joined voice channel")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.RunStats(ctx)
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(reportPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				ev := log.Info().Int("participants", len(s.Participants())).Int("streams", s.Streams().Len())
				for id, bps := range s.Stats() {
					ev = ev.Float64(id, bps)
				}
				ev.Msg("voice report")
			}
		}
	})
	return g.Wait()
}
