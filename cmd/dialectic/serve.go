package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dialectic/api/internal/app"
	"dialectic/api/internal/dialectic"
	"dialectic/api/internal/notify"
)

const shutdownTimeout = 10 * time.Second

func serveCommand(rt *runtime) *cobra.Command {
	var noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API with the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), rt, !noSweeper)
		},
	}
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the expiry sweeper in this process")
	return cmd
}

func serve(ctx context.Context, rt *runtime, runSweeper bool) error {
	cfg, logger := rt.cfg, rt.logger

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	hub := notify.NewHub(cfg.CORSOrigin, logger, s.metrics)
	relay := notify.NewRedisRelay(s.redis.Client(), notify.DefaultRelayChannel, hub, logger, s.metrics)

	// The hub drops ids it has already delivered, so local delivery and the
	// relayed copy reach each client once.
	sinks := notify.Multi{hub, relay}
	var workers []*notify.Async

	if cfg.MQTT.Broker != "" {
		mqttSink, err := notify.NewMQTTSink(notify.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger, s.metrics)
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mqttSink.Close()
		worker := notify.NewAsync("mqtt", mqttSink, 0, logger, s.metrics)
		workers = append(workers, worker)
		sinks = append(sinks, worker)
	}

	if urls := cfg.AlertURLList(); len(urls) > 0 {
		alerts, err := notify.NewAlertSink(urls, 10*time.Second, logger, s.metrics)
		if err != nil {
			return fmt.Errorf("init alerts: %w", err)
		}
		worker := notify.NewAsync("alerts", alerts, 0, logger, s.metrics)
		workers = append(workers, worker)
		sinks = append(sinks, worker)
	}

	engine := s.attachEngine(cfg, logger, sinks)
	ingester, err := newIngester(ctx, cfg, s, sinks, logger)
	if err != nil {
		return err
	}

	go s.search.ReindexAllFromPG(ctx)

	server := app.NewHTTPServer(engine, ingester, app.ServerConfig{
		JWTSecret:  cfg.JWTSecret,
		CORSOrigin: cfg.CORSOrigin,
		Checks: map[string]app.Pinger{
			"database": s.store,
			"redis":    s.redis,
		},
		Events:  hub,
		Metrics: promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := relay.Run(gctx); err != nil {
			logger.Warn("event relay stopped; serving local events only", zap.Error(err))
		}
		return nil
	})
	for _, worker := range workers {
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}
	if runSweeper {
		sweeper := dialectic.NewSweeper(engine, cfg.Voting.SweepInterval)
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("dialectic api listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
