package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/aggregation"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/failover"
	httpapi "github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/interfaces/http"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/pipeline"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/ratelimit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/telemetry"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/validation"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/warmer"
)

const (
	appName = "feed-provider"
	version = "v1.0.0"
)

func main() {
	setupLogging("info")

	var configPath string
	var flagPort int
	var flagLogLevel string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "FTSO feed value provider",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest-aggregate-serve pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Flags(), configPath, flagPort, flagLogLevel)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to provider config yaml")
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "Override listen port")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Override log level (trace|debug|info|warn|error)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}

// logEvents surfaces pipeline events that warrant operator attention. It
// returns when the bus closes the channel.
func logEvents(ch <-chan events.Event) {
	for evt := range ch {
		switch evt.Type {
		case events.TypeValidationCritical:
			log.Error().Str("source", evt.Source).Interface("detail", evt.Payload).Msg("critical validation failure")
		case events.TypeSourceFailover:
			log.Warn().Str("source", evt.Source).Interface("detail", evt.Payload).Msg("source failover")
		case events.TypeSourceRecovered:
			log.Info().Str("source", evt.Source).Msg("source recovered")
		case events.TypeWarmerError:
			log.Warn().Str("source", evt.Source).Interface("detail", evt.Payload).Msg("cache warm failed")
		}
	}
}

func runServe(flags *pflag.FlagSet, configPath string, flagPort int, flagLogLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		os.Exit(1)
	}
	if flags.Changed("port") {
		cfg.Server.Port = flagPort
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	setupLogging(cfg.LogLevel)
	log.Info().Str("config", cfg.String()).Msg("starting feed provider")

	catalogue, err := config.LoadCatalogue(cfg.FeedsFile)
	if err != nil {
		log.Error().Err(err).Msg("feeds catalogue error")
		os.Exit(1)
	}
	if _, err := config.LoadExchanges(cfg.ExchangesFile); err != nil {
		log.Warn().Err(err).Msg("exchanges file not loaded, using catalogue sources only")
	}

	bus := events.NewBus(256)
	defer bus.Close()
	go logEvents(bus.Subscribe(
		events.TypeValidationCritical,
		events.TypeSourceFailover,
		events.TypeSourceRecovered,
		events.TypeWarmerError,
	))

	metrics := telemetry.NewRegistry()
	monitor := telemetry.NewMonitor(1024, telemetry.DefaultThresholds())

	rtc := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
	}, bus)
	defer rtc.Close()

	validator := validation.New(validation.Config{
		MaxAge:           time.Duration(cfg.Ingest.MaxAgeMs) * time.Millisecond,
		OutlierThreshold: cfg.Ingest.OutlierThreshold,
		RealTimeEnabled:  true,
		BatchEnabled:     true,
	}, bus)

	aggregator := aggregation.New(aggregation.Config{
		MaxStaleness:    time.Duration(cfg.Ingest.MaxStalenessMs) * time.Millisecond,
		MinSources:      cfg.Ingest.MinSources,
		TimeDecayFactor: cfg.Ingest.TimeDecayFactor,
	})

	orch := pipeline.New(pipeline.Options{
		Validator:  validator,
		Aggregator: aggregator,
		Cache:      rtc,
		Monitor:    monitor,
		Metrics:    metrics,
		Bus:        bus,
		RoundFn:    pipeline.EpochRounds(time.Unix(1658429955, 0), 90*time.Second),
		CacheTTL:   time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
		MaxAge:     time.Duration(cfg.Ingest.MaxStalenessMs) * time.Millisecond,
	})

	coordinator := failover.New(failover.DefaultConfig(), orch, bus)
	orch.SetFailover(coordinator)

	warm := warmer.New(warmer.Config{
		WarmTTL: time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
	}, rtc, orch.AggregateNow, bus)
	defer warm.Close()
	orch.AttachWarmer(warm)

	adapterConfig := adapters.DefaultConfig()
	orch.RegisterAdapter(adapters.NewBinance(adapterConfig))
	orch.RegisterAdapter(adapters.NewCoinbase(adapterConfig))
	orch.RegisterAdapter(adapters.NewKraken(adapterConfig))
	orch.RegisterFeeds(catalogue)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		log.Error().Err(err).Msg("pipeline startup failed")
		os.Exit(1)
	}

	limiter := ratelimit.New(ratelimit.Config{
		WindowMs:               cfg.RateLimit.WindowMs,
		MaxRequests:            cfg.RateLimit.MaxRequests,
		SkipSuccessfulRequests: cfg.RateLimit.SkipSuccessfulRequests,
		SkipFailedRequests:     cfg.RateLimit.SkipFailedRequests,
	})
	defer limiter.Close()

	server := httpapi.NewServer(httpapi.ServerConfig{
		Port:     cfg.Server.Port,
		BasePath: cfg.Server.BasePath,
	}, orch, limiter, monitor, metrics, coordinator, rtc.Stats)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	grace := time.Duration(cfg.Server.GracefulShutdownMs) * time.Millisecond
	log.Info().Dur("grace", grace).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	orch.Shutdown(grace)

	log.Info().Msg("shutdown complete")
	return nil
}
