package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voicertc/internal/adapters/http"
	"github.com/dkeye/voicertc/internal/adapters/rtc"
	sig "github.com/dkeye/voicertc/internal/adapters/signal"
	"github.com/dkeye/voicertc/internal/app"
	"github.com/dkeye/voicertc/internal/app/health"
	"github.com/dkeye/voicertc/internal/app/orch"
	"github.com/dkeye/voicertc/internal/config"
	"github.com/dkeye/voicertc/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("voice-server", pflag.ExitOnError)
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
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine, err := rtc.NewEngine(rtc.Options{
		ListenIP:       cfg.RTC.ListenIP,
		AnnouncedIP:    cfg.RTC.AnnouncedIP,
		UDPPort:        cfg.RTC.UDPPort,
		TCPPort:        cfg.RTC.TCPPort,
		PortMin:        cfg.RTC.PortMin,
		PortMax:        cfg.RTC.PortMax,
		ICEServers:     cfg.RTC.ICEServers,
		ConnectTimeout: cfg.RTC.ConnectTimeout,
		Loopback:       cfg.RTC.Loopback,
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn().Err(err).Msg("close media engine")
		}
	}()

	policy, err := app.ParsePolicy(cfg.Voice.BackpressurePolicy)
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(cfg.Voice.GracePeriod, m)
	defer monitor.Close()

	o := orch.New(engine, monitor, orch.Options{
		Auth: app.StaticAuthorizer{
			Default: cfg.Voice.DefaultCapabilities,
			Users:   cfg.Voice.UserCapabilities,
		},
		Policy:       policy,
		Metrics:      m,
		DestroyEmpty: cfg.Voice.DestroyEmpty,
	})
	defer o.Close()

	ctl := sig.NewSignalWSController(o, sig.Options{
		ReadLimit:  cfg.Server.ReadLimit,
		PingPeriod: cfg.Server.PingPeriod,
		SendBuffer: cfg.Signal.SendBuffer,
		RateLimit:  cfg.Signal.RateLimit,
		RateBurst:  cfg.Signal.RateBurst,
	})

	r := router.SetupRouter(ctx, cfg, o, ctl, reg)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		o.RunStats(ctx, cfg.Voice.StatsInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		ctl.Wait()
		return nil
	})
	return g.Wait()
}
