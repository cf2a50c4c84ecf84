// Package main stands in for the browser side of the native bridge. It pops
// the background work requests handlers push through pkg/native, logs them
// and tracks metrics, so the full path can be exercised without a browser.
//
// Usage:
//
//	go run ./cmd/worker -config config.yaml -metrics :8082
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskbridge/pkg/config"
	"github.com/guido-cesarano/taskbridge/pkg/logger"
	"github.com/guido-cesarano/taskbridge/pkg/native"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	// requestsReceived counts work requests by task type.
	requestsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbridge_native_requests_total",
		Help: "Background work requests received from the native bridge",
	}, []string{"task_type"})

	// requestLatency is the time between the push and the pop.
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskbridge_native_request_latency_seconds",
		Help:    "Time a work request spent queued",
		Buckets: prometheus.DefBuckets,
	}, []string{"task_type"})

	// backlog tracks queued work requests.
	backlog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskbridge_native_backlog",
		Help: "Number of queued background work requests",
	})
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	metricsAddr := flag.String("metrics", ":8082", "Address for the metrics listener")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid log level")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", *metricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	logger.Log.Info().Str("profile", cfg.Native.Profile).Msg("Worker started. Waiting for work requests...")
	consume(ctx, rdb)
	logger.Log.Info().Msg("Shutting down worker...")
}

// consume pops requests until ctx is cancelled.
func consume(ctx context.Context, rdb *redis.Client) {
	log := logger.Component("worker")
	for {
		if ctx.Err() != nil {
			return
		}

		req, err := native.Receive(ctx, rdb, time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Msg("Receive failed")
			// Back off on connection errors.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if n, err := native.Pending(ctx, rdb); err == nil {
			backlog.Set(float64(n))
		}
		if req == nil {
			continue
		}

		requestsReceived.WithLabelValues(req.TaskType).Inc()
		requestLatency.WithLabelValues(req.TaskType).Observe(time.Since(req.CreatedAt).Seconds())
		log.Info().
			Str("request_id", req.ID).
			Str("profile", string(req.Profile)).
			Str("task_type", req.TaskType).
			Msg("Background work started")
	}
}
