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

	"aqi-predictor/internal/cfg"
	"aqi-predictor/internal/logging"
	"aqi-predictor/internal/metrics"
	"aqi-predictor/internal/ml"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	closer, err := logging.Setup(logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile})
	if err != nil {
		log.Fatal().Err(err).Msg("logging setup failed")
	}
	defer closer.Close()

	if err := run(c); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		closer.Close()
		os.Exit(1)
	}
}

func run(c cfg.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	// The service is useless without its artifacts; refuse to start.
	artifacts, err := ml.LoadArtifacts(ml.ArtifactOptions{
		Backend:    c.Backend,
		ScalerPath: c.ScalerPath,
		ModelPath:  c.ModelPath,
		PythonPath: c.PythonPath,
		Timeout:    c.PredictTimeout,
	})
	if err != nil {
		return fmt.Errorf("load model artifacts: %w", err)
	}
	defer artifacts.Close()

	pipeline, err := ml.NewPipeline(artifacts, mw, c.CacheSize)
	if err != nil {
		return fmt.Errorf("build prediction pipeline: %w", err)
	}

	metricsHandler := promhttp.Handler()
	serverCfg := ml.ServerConfig{
		Addr:           c.ListenAddr,
		StrictStatus:   c.StrictStatus,
		AllowedOrigins: c.AllowedOrigins,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		IdleTimeout:    c.IdleTimeout,
		PredictTimeout: c.PredictTimeout,
	}
	if c.MetricsPort == 0 {
		serverCfg.MetricsHandler = metricsHandler
	}
	api := ml.NewModelServer(pipeline, mw, serverCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.Start)

	var metricsSrv *http.Server
	if c.MetricsPort != 0 {
		metricsSrv = newMetricsServer(c, metricsHandler)
		g.Go(func() error {
			log.Info().Str("addr", metricsSrv.Addr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()

		err := api.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	err = g.Wait()

	health := pipeline.Health()
	log.Info().
		Int64("predictions", health.PredictionCount).
		Int64("errors", health.ErrorCount).
		Float64("error_rate", metrics.ErrorRate(prometheus.DefaultGatherer)).
		Msg("server stopped")
	return err
}

func newMetricsServer(c cfg.Settings, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
	}
}
