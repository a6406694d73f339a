package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AntoniZalewski/CityFlow-LLM/internal/config"
	servernet "github.com/AntoniZalewski/CityFlow-LLM/internal/net"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/observability"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/orchestrator"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/preset"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/simclient"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/state"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Config carries the process-level options of the gateway.
type Config struct {
	ListenAddr string
	Logger     *logrus.Logger
}

// Run wires the registry, the upstream adapter, the broadcaster and the HTTP
// surface, then serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	settings := config.Load(logger)
	if cfg.ListenAddr != "" {
		settings.ListenAddr = cfg.ListenAddr
	}

	collector, err := observability.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	runs, err := store.NewRunStore(store.Config{
		DataDir:        settings.DataDir,
		RetentionLimit: settings.RetentionLimit,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}

	engine := simclient.New(settings.SimBaseURL, 10*time.Second)
	broadcaster := state.NewBroadcaster()

	adapter, err := state.NewAdapter(state.AdapterConfig{
		SimBaseURL:   settings.SimBaseURL,
		PollInterval: settings.StatePollInterval,
		Logger:       logger,
		Metrics:      collector,
	}, engine, runs, broadcaster)
	if err != nil {
		return fmt.Errorf("failed to construct state adapter: %w", err)
	}
	adapter.Start(ctx)
	defer adapter.Stop()

	catalog := preset.Catalog{
		ExperimentsDir: settings.ExperimentsDir,
		ExamplesDir:    settings.ExamplesDir,
	}
	orc := orchestrator.New(orchestrator.Config{
		Catalog:     catalog,
		ExamplesDir: settings.ExamplesDir,
		Logger:      logger,
		Metrics:     collector,
	}, runs, engine, broadcaster)

	handler := servernet.NewHTTPHandler(orc, runs, broadcaster, adapter, servernet.HTTPHandlerConfig{
		Logger:         logger,
		MetricsHandler: collector.Handler(),
	})

	srv := &http.Server{Addr: settings.ListenAddr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("server shutdown failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr":         settings.ListenAddr,
		"sim_base_url": settings.SimBaseURL,
		"data_dir":     settings.DataDir,
	}).Info("gateway listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
