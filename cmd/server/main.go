// Package main runs the task bridge: the job scheduler, the dispatcher that
// routes its start and stop signals to registered handlers, and an HTTP API
// to schedule and inspect jobs.
//
// API Endpoints:
//
//	POST /schedule       - Schedules a task (one-off or periodic)
//	POST /cancel?id=<n>  - Cancels a task, stopping it if running
//	GET  /jobs           - Lists pending and claimed jobs
//	GET  /running        - Lists tasks the dispatcher is running
//	GET  /history?n=<n>  - Returns the most recent finished runs
//	GET  /stats          - Returns job store depths
//	GET  /device         - Returns the simulated device conditions
//	POST /device         - Replaces the simulated device conditions
//
// Request Format for /schedule:
//
//	{
//	  "id": 78,
//	  "params": {"max_pages": {"kind": "int", "value": 5}},
//	  "network_type": "unmetered",
//	  "window_start": "0s",
//	  "window_end": "1h",
//	  "periodic": {"interval": "6h", "flex": "30m"},
//	  "persist": true
//	}
//
// Usage:
//
//	go run ./cmd/server -config config.yaml
//
// Prometheus metrics are served separately on server.metrics_addr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/guido-cesarano/taskbridge/pkg/config"
	"github.com/guido-cesarano/taskbridge/pkg/dispatcher"
	"github.com/guido-cesarano/taskbridge/pkg/events"
	"github.com/guido-cesarano/taskbridge/pkg/executor"
	"github.com/guido-cesarano/taskbridge/pkg/handlers"
	"github.com/guido-cesarano/taskbridge/pkg/jobservice"
	"github.com/guido-cesarano/taskbridge/pkg/logger"
	"github.com/guido-cesarano/taskbridge/pkg/metrics"
	"github.com/guido-cesarano/taskbridge/pkg/native"
	"github.com/guido-cesarano/taskbridge/pkg/queue"
	"github.com/guido-cesarano/taskbridge/pkg/registry"
	"github.com/guido-cesarano/taskbridge/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app bundles what the HTTP handlers need.
type app struct {
	svc        *jobservice.Service
	store      *queue.Client
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	device     *jobservice.StaticDevice
}

// scheduleRequest is the wire form of tasks.TaskInfo with readable
// durations.
type scheduleRequest struct {
	ID               tasks.TaskID     `json:"id"`
	Params           tasks.Parameters `json:"params"`
	NetworkType      string           `json:"network_type"`
	RequiresCharging bool             `json:"requires_charging"`
	WindowStart      string           `json:"window_start"`
	WindowEnd        string           `json:"window_end"`
	Periodic         *struct {
		Interval string `json:"interval"`
		Flex     string `json:"flex"`
		Spec     string `json:"spec"`
	} `json:"periodic"`
	Persist       bool `json:"persist"`
	UpdateCurrent bool `json:"update_current"`
}

// parseDuration treats an empty string as zero.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

func (r scheduleRequest) taskInfo() (tasks.TaskInfo, error) {
	info := tasks.TaskInfo{
		ID:     r.ID,
		Params: r.Params,
		Constraints: tasks.Constraints{
			NetworkType:      tasks.NetworkType(r.NetworkType),
			RequiresCharging: r.RequiresCharging,
		},
		Persist:       r.Persist,
		UpdateCurrent: r.UpdateCurrent,
	}

	var err error
	if info.Constraints.WindowStart, err = parseDuration("window_start", r.WindowStart); err != nil {
		return info, err
	}
	if info.Constraints.WindowEnd, err = parseDuration("window_end", r.WindowEnd); err != nil {
		return info, err
	}

	if r.Periodic != nil {
		p := &tasks.PeriodicInfo{Spec: r.Periodic.Spec}
		if p.Interval, err = parseDuration("interval", r.Periodic.Interval); err != nil {
			return info, err
		}
		if p.Flex, err = parseDuration("flex", r.Periodic.Flex); err != nil {
			return info, err
		}
		info.Periodic = p
	}
	return info, nil
}

// runningTask is one element of the /running response.
type runningTask struct {
	ID   tasks.TaskID `json:"id"`
	Name string       `json:"name"`
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Preflight requests never carry the API key.
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

// setupRouter configures the HTTP handlers and returns the mux.
// Every route is wrapped as CORS -> Auth -> Handler.
func setupRouter(a *app, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	route := func(path, method string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		}, apiKey)))
	}

	route("/schedule", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		info, err := req.taskInfo()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		job, err := a.svc.Schedule(r.Context(), info)
		var invalid validator.ValidationErrors
		switch {
		case errors.As(err, &invalid):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, queue.ErrJobExists):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			// Cron spec errors surface here too.
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	})

	route("/cancel", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, "Missing or invalid task id", http.StatusBadRequest)
			return
		}
		err = a.svc.Cancel(r.Context(), tasks.TaskID(id))
		if errors.Is(err, queue.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	route("/jobs", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		pending, err := a.store.Pending(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		running, err := a.store.Running(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]*queue.Job{
			"pending": pending,
			"running": running,
		})
	})

	route("/running", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		ids := a.dispatcher.RunningIDs(r.Context())
		out := make([]runningTask, 0, len(ids))
		for _, id := range ids {
			out = append(out, runningTask{ID: id, Name: a.registry.Name(id)})
		}
		writeJSON(w, http.StatusOK, out)
	})

	route("/history", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		n := int64(20)
		if s := r.URL.Query().Get("n"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v <= 0 {
				http.Error(w, "Invalid n", http.StatusBadRequest)
				return
			}
			n = v
		}
		entries, err := a.store.History(r.Context(), n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	route("/stats", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.store.Depths(r.Context()))
	})

	mux.HandleFunc("/device", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, a.device.Conditions())
		case http.MethodPost:
			var c jobservice.Conditions
			if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			a.device.Set(c)
			logger.Log.Info().
				Bool("connected", c.Connected).
				Bool("unmetered", c.Unmetered).
				Bool("charging", c.Charging).
				Msg("Device conditions updated")
			writeJSON(w, http.StatusOK, c)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}, apiKey)))

	return mux
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := queue.NewClient(cfg.Redis.Addr)
	defer store.Close()

	bridge, err := native.Open(ctx, store.Redis(), cfg.Native.Profile)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to open native bridge")
	}
	defer bridge.Close()

	pool, err := executor.New(cfg.Executor.Workers)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to create executor")
	}
	defer pool.Release()

	device := jobservice.NewStaticDevice(jobservice.Conditions{Connected: true, Unmetered: true, Charging: true})

	reg := registry.New()
	deps := handlers.DefaultDeps(bridge, pool)
	deps.Unmetered = func() bool { return device.Conditions().Unmetered }
	if err := handlers.Register(reg, deps); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to register handlers")
	}

	bus := events.New()
	m := metrics.New(prometheus.DefaultRegisterer)
	m.Subscribe(bus)

	svc := jobservice.New(store, device, jobservice.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BackoffBase:  cfg.Scheduler.BackoffBase,
		MaxExecution: cfg.Scheduler.MaxExecution,
	})
	disp := dispatcher.New(reg, svc, dispatcher.WithEvents(bus))
	svc.Bind(disp)

	if err := svc.Boot(ctx); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to boot job store")
	}

	go disp.Run(ctx)
	go svc.Run(ctx)
	go m.CollectQueueDepths(ctx, store, cfg.Scheduler.DepthInterval)

	if cfg.Server.MetricsAddr != "" {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			logger.Log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("Metrics server listening")
			if err := http.ListenAndServe(cfg.Server.MetricsAddr, metricsMux); err != nil {
				logger.Log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("server.api_key not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           setupRouter(&app{svc: svc, store: store, dispatcher: disp, registry: reg, device: device}, cfg.Server.APIKey),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		logger.Log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
	disp.Close()
}
