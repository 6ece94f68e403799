// Package server provides the public entry point for initializing the
// POS ingest gateway.
//
// This package exists in pkg/ (not internal/) so deployment wrappers can
// compose the gateway with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/internal/api"
	"github.com/orderdesk/posgate/internal/api/handlers"
	"github.com/orderdesk/posgate/internal/audit"
	"github.com/orderdesk/posgate/internal/cache"
	"github.com/orderdesk/posgate/internal/config"
	"github.com/orderdesk/posgate/internal/events"
	"github.com/orderdesk/posgate/internal/ingest"
	"github.com/orderdesk/posgate/internal/legacy"
	"github.com/orderdesk/posgate/internal/notify"
	"github.com/orderdesk/posgate/internal/retention"
	"github.com/orderdesk/posgate/internal/review"
	"github.com/orderdesk/posgate/internal/storeconfig"
	"github.com/orderdesk/posgate/internal/telemetry"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Reviews is the review queue store, exposed for operational tooling.
	Reviews *review.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and releases file watchers. Call it on
	// graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes the gateway from environment configuration. The context
// bounds background work: the legacy bridge poll loop (when configured)
// stops when ctx is cancelled.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	stores, err := storeconfig.New(cfg.DataDir, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("init store config: %w", err)
	}
	log.Info().Str("data_dir", cfg.DataDir).Msg("store config loaded")

	auditLog, err := audit.NewLogger(filepath.Join(cfg.DataDir, "audit_log.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}

	hub := events.NewHub()
	reviews, err := review.NewStore(filepath.Join(cfg.DataDir, "review_store.json"), auditLog,
		review.WithNotify(func(eventType, orderID string) {
			hub.Publish(eventType, orderID, nil)
		}))
	if err != nil {
		return nil, fmt.Errorf("init review store: %w", err)
	}

	cacheBackend, err := cache.NewFileBackend(filepath.Join(cfg.DataDir, "cache_store.json"))
	if err != nil {
		return nil, fmt.Errorf("init cache backend: %w", err)
	}
	pipelineCache, err := cache.New(cacheBackend)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	pipelineCache.SetTrace(func(event, namespace, key string) {
		log.Debug().Str("event", event).Str("namespace", namespace).Str("key", key).Msg("cache")
	})

	svc := ingest.New(cfg, stores, auditLog, reviews, pipelineCache, hub)

	var poller *legacy.Poller
	legacyCfg, err := legacy.LoadConfigFile(cfg.Legacy)
	if err != nil {
		return nil, fmt.Errorf("load legacy bridge config: %w", err)
	}
	if legacyCfg.Endpoint != "" {
		poller = legacy.NewPoller(legacyCfg, svc.IngestPOSText)
		go poller.Run(ctx)
		log.Info().
			Str("endpoint", legacyCfg.Endpoint).
			Bool("enabled", legacyCfg.Enabled).
			Msg("legacy bridge configured")
	}

	if cfg.Retention.Enabled {
		archiveDir := cfg.Retention.ArchiveDir
		if archiveDir == "" {
			archiveDir = filepath.Join(cfg.DataDir, "archive")
		}
		janitor := retention.NewJanitor(reviews,
			retention.NewLocalFileArchiver(archiveDir, cfg.Retention.Compress),
			time.Duration(cfg.Retention.Days)*24*time.Hour,
			cfg.Retention.SweepInterval)
		go janitor.Start(ctx)
	}

	if cfg.Webhook.URL != "" {
		notifier := notify.New(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.Events)
		go notifier.Run(ctx, hub)
	}

	h := handlers.New(cfg, svc, reviews, auditLog, stores, hub, poller)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler: router,
		Reviews: reviews,
		Port:    cfg.Port,
		ShutdownFunc: func(ctx context.Context) error {
			if err := stores.Close(); err != nil {
				log.Warn().Err(err).Msg("store config close failed")
			}
			return telemetryShutdown(ctx)
		},
	}, nil
}
