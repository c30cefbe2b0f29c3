package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/warp/token-ledger/api"
	"github.com/warp/token-ledger/events"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/metrics"
	"github.com/warp/token-ledger/rewards"
)

const shutdownTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reward event consumer",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer be.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	engine := ledger.NewEngine(be,
		ledger.WithLogger(log),
		ledger.WithObserver(collector),
		ledger.WithMaxRetries(cfg.Ledger.MaxRetries),
	)

	policy, err := cfg.RewardPolicy()
	if err != nil {
		return err
	}
	rw := rewards.NewService(engine, policy, log)

	router := api.NewRouter(
		api.NewHandler(engine, rw, log),
		api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		api.RouterOptions{
			CORSOrigins: cfg.HTTP.CORSOrigins,
			Metrics:     collector.Handler(),
			Health:      be.Ping,
		},
	)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	// nil unless the consumer runs; a nil channel never fires in select
	var consumerErr chan error
	if cfg.AMQP.Enabled {
		consumer := events.NewConsumer(events.Config{
			URL:      cfg.AMQP.URL,
			Queue:    cfg.AMQP.Queue,
			Workers:  cfg.AMQP.Workers,
			Prefetch: cfg.AMQP.Prefetch,
		}, events.NewHandler(rw, log, collector), log)
		errc := make(chan error, 1)
		go func() { errc <- consumer.Run(consumerCtx) }()
		consumerErr = errc
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down server")
	case runErr = <-serverErr:
		log.WithError(runErr).Error("server failed")
	case runErr = <-consumerErr:
		log.WithError(runErr).Error("event consumer stopped")
		consumerErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	stopConsumer()
	if consumerErr != nil {
		if err := <-consumerErr; err != nil && runErr == nil {
			runErr = err
		}
	}

	log.Info("server stopped")
	return runErr
}
