package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3/option"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/accounts"
	"github.com/spigell/delivery-engine/internal/api"
	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/greeting"
	"github.com/spigell/delivery-engine/internal/housekeeping"
	"github.com/spigell/delivery-engine/internal/logger"
	"github.com/spigell/delivery-engine/internal/posting"
	"github.com/spigell/delivery-engine/internal/records"
	"github.com/spigell/delivery-engine/internal/scheduler"
	"github.com/spigell/delivery-engine/internal/secrets"
	"github.com/spigell/delivery-engine/internal/verification"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the delivery engine and its control API",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", defaultListen, "address for the control API")
	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
}

func serve() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync()

	conf, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the delivery engine", zap.String("version", resolvedVersion()))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(conf.Delivery, "", "  ")
	logger.Debug(fmt.Sprintf("default delivery config: \n %s", pretty))

	store, configs, closeStore, err := openStorage(conf.Storage)
	if err != nil {
		logger.Fatal("opening storage", zap.Error(err), zap.String("driver", conf.Storage.Driver))
	}
	defer closeStore()

	token, err := secrets.Load(secrets.Source{
		Name:  "source token",
		Value: conf.Source.Token,
		File:  conf.Source.TokenFile,
	})
	if err != nil {
		logger.Fatal(
			"loading source token",
			zap.Error(err),
			zap.String("hint", "set DELIVERY_SOURCE_TOKEN_FILE environment variable or the 'source.token-file' key in the configuration file"),
		)
	}
	if strings.TrimSpace(conf.Source.URL) == "" {
		logger.Fatal("source.url is required")
	}

	greeter, err := newGreeter(ctx, conf.Greeting, logger)
	if err != nil {
		logger.Fatal("building greeting generator", zap.Error(err))
	}

	verifier := verification.New(conf.Verification.Timeout, logger.Named("verification"))
	events := broadcast.New(conf.Events.QueueSize, logger.Named("broadcast"))

	if relayCfg := conf.Events.Valkey; relayCfg != nil && relayCfg.Address != "" {
		relay, err := broadcast.NewValkeyRelay(*relayCfg, uuid.NewString(), logger.Named("relay"))
		if err != nil {
			logger.Fatal("connecting the event relay", zap.Error(err), zap.String("address", relayCfg.Address))
		}
		defer relay.Close()
		events.SetRelay(relay)
	}

	opts := scheduler.Options{
		ApplyTimeout:          conf.Scheduler.ApplyTimeout,
		MaxVerificationRounds: conf.Scheduler.MaxVerificationRounds,
		DisabledFilters:       conf.Scheduler.DisabledFilters,
	}

	// Each account pages through the gateway with its own client and cursor.
	build := func(ctx context.Context, account string, cfg func() config.Delivery) (*scheduler.Scheduler, error) {
		source := posting.New(conf.Source.URL, token, logger.Named("source"))
		if conf.Source.UserAgent != "" {
			source.UserAgent = conf.Source.UserAgent
		}

		return scheduler.New(ctx, scheduler.Deps{
			Account:  account,
			Config:   cfg,
			Source:   source,
			Greeter:  greeter,
			Store:    store,
			Verifier: verifier,
			Events:   events,
			Logger:   logger.Named("scheduler"),
		}, opts)
	}

	registry := accounts.New(*conf.Delivery, build, configs, logger.Named("accounts"))
	events.SetSnapshotter(registry.Snapshot)

	go func() {
		if err := events.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event relay stopped", zap.Error(err))
		}
	}()

	keeper := housekeeping.New(verifier, registry, events, logger.Named("housekeeping"))
	if err := keeper.Start(ctx); err != nil {
		logger.Fatal("starting housekeeping", zap.Error(err))
	}

	server := api.New(api.Deps{
		Accounts:     registry,
		Records:      store,
		Verifier:     verifier,
		Events:       events,
		Logger:       logger.Named("api"),
		Version:      resolvedVersion(),
		AllowOrigins: conf.AllowOrigins,
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("control api listening", zap.String("listen", conf.Listen))
		listenErr <- server.Listen(conf.Listen)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", "signal received"))
	case err := <-listenErr:
		logger.Error("control api stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Scheduler.ShutdownTimeout)
	defer cancel()

	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("stopping control api", zap.Error(err))
	}
	registry.StopAll(shutdownCtx)
	keeper.Stop()

	logger.Info("stopped")
}

// openStorage returns the record store, the config store (nil for memory)
// and a close function.
func openStorage(cfg *StorageConfig) (records.Store, accounts.ConfigStore, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "memory" {
		return records.NewMemoryStore(), nil, func() {}, nil
	}

	db, err := records.Open(driver, cfg.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	store, err := records.NewGormStore(db)
	if err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	configs, err := accounts.NewGormConfigStore(db)
	if err != nil {
		closeDB()
		return nil, nil, nil, err
	}

	return store, configs, closeDB, nil
}

// newGreeter builds the configured generator wrapped with the static one, so
// an AI outage never blocks an apply.
func newGreeter(ctx context.Context, cfg *GreetingConfig, logger *zap.Logger) (greeting.Generator, error) {
	static := greeting.Static{Template: cfg.Template}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	switch provider {
	case "", "static":
		return static, nil
	case "gemini":
		gcfg := cfg.Gemini
		if gcfg == nil {
			gcfg = &GeminiConfig{}
		}
		apiKey, err := secrets.Load(secrets.Source{
			Name: "gemini api key",
			File: gcfg.APIKeyFile,
			Env:  "GEMINI_API_KEY_FILE",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set greeting.gemini.api-key-file or GEMINI_API_KEY_FILE)", err)
		}

		genLogger := logger.With(
			zap.String("provider", "gemini"),
			zap.String("model", gcfg.Model),
			zap.Int("ai_retry_attempts", gcfg.MaxRetries),
		)
		gen, err := greeting.NewGemini(ctx, apiKey, gcfg.Model, cfg.Candidate, gcfg.MaxRetries, genLogger)
		if err != nil {
			return nil, err
		}
		return greeting.WithFallback(gen, static, genLogger), nil
	case "openai":
		ocfg := cfg.OpenAI
		if ocfg == nil {
			ocfg = &OpenAIConfig{}
		}
		apiKey, err := secrets.Load(secrets.Source{
			Name: "openai api key",
			File: ocfg.APIKeyFile,
			Env:  "OPENAI_API_KEY_FILE",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set greeting.openai.api-key-file or OPENAI_API_KEY_FILE)", err)
		}

		var opts []option.RequestOption
		if ocfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(ocfg.BaseURL))
		}
		gen, err := greeting.NewOpenAI(apiKey, ocfg.Model, cfg.Candidate, opts...)
		if err != nil {
			return nil, err
		}
		genLogger := logger.With(zap.String("provider", "openai"), zap.String("model", ocfg.Model))
		return greeting.WithFallback(gen, static, genLogger), nil
	default:
		return nil, fmt.Errorf("unsupported greeting provider: %s", cfg.Provider)
	}
}
