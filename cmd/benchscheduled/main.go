package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/aios/benchscheduler/internal/scheduler/alert"
	"github.com/aios/benchscheduler/internal/scheduler/callback"
	"github.com/aios/benchscheduler/internal/scheduler/catalog"
	"github.com/aios/benchscheduler/internal/scheduler/core"
	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/executor"
	"github.com/aios/benchscheduler/internal/scheduler/gpu"
	"github.com/aios/benchscheduler/internal/scheduler/lifecycle"
	"github.com/aios/benchscheduler/internal/scheduler/logstore"
	"github.com/aios/benchscheduler/internal/scheduler/queue"
	"github.com/aios/benchscheduler/internal/scheduler/repository"
	"github.com/aios/benchscheduler/internal/scheduler/worker"
	"github.com/aios/benchscheduler/pkg/schedulerconfig"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "benchscheduled",
		Short: "GPU job scheduler for computational-chemistry benchmark tasks",
		Run:   run,
	}

	rootCmd.Flags().String("config", "", "scheduler YAML config file (overlays env vars, optional)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("bind-addr", ":8080", "admin HTTP server bind address")
	rootCmd.Flags().String("metrics-addr", ":9090", "metrics server bind address")
	rootCmd.Flags().Int("num-gpus", 2, "number of GPU devices to manage")

	viper.BindPFlags(rootCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	logger := newLogger(viper.GetString("log-level"))

	cfgManager := schedulerconfig.NewManager(viper.GetString("config"))
	cfg, err := cfgManager.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load scheduler configuration")
	}

	numGPUs := viper.GetInt("num-gpus")
	devices := make([]domain.GPUState, numGPUs)
	for i := range devices {
		devices[i] = domain.GPUState{
			Index: i, Name: fmt.Sprintf("gpu%d", i),
			MemoryTotalMiB: 24000, MemoryFreeMiB: 24000, Status: domain.GPUFree,
		}
	}

	repo := repository.NewInMemory()
	cat := catalog.NewWithDefaults()
	q := queue.New(nil, logger)
	gpuCfg := gpu.Config{MaxModelsPerGPU: cfg.MaxModelsPerGPU, MemorySafetyMarginMiB: cfg.MemorySafetyMarginMiB}
	gm := gpu.New(devices, noopTelemetryProbe{}, gpuCfg, logger)
	logs := logstore.New(0, 0)

	dispatcherCfg := callback.DefaultConfig()
	dispatcherCfg.MaxRetries = cfg.WebhookMaxRetries
	dispatcher := callback.New(http.DefaultClient, dispatcherCfg, logs, logger)

	lc := lifecycle.New()
	registry := executor.DefaultRegistry()
	pool := worker.New(numGPUs, nil, registry, repo, gm, lc, unimplementedStructureReader{}, unimplementedModelLoader{}, dispatcher, logs, logger)
	workerManager := worker.NewManager(gm, repo, cfg.HeartbeatTimeout, logger)

	schedCfg := core.DefaultConfig()
	schedCfg.PollInterval = cfg.PollInterval
	schedCfg.MaxModelsPerGPU = cfg.MaxModelsPerGPU
	sched := core.New(q, gm, repo, cat, pool, unimplementedAtomCounter{}, schedCfg, logger)

	source := &schedulerSnapshotSource{gm: gm, q: q, wm: workerManager}
	notifiers := map[string]alert.Notifier{
		"log":     alert.NewLogNotifier(logger),
		"webhook": alert.NewWebhookNotifier("", 30*time.Second),
	}
	alertEngine := alert.New(source, notifiers, logger)

	svc := core.NewService(sched, q, gm, repo, lc, pool, alertEngine, logs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pool.Start(ctx)
	go sched.Run(ctx)
	go workerManager.Run(ctx, cfg.HeartbeatInterval)
	go alertEngine.Run(ctx, cfg.AlertCheckInterval)

	// Submission is rate-limited independently of scheduling throughput:
	// it protects the HTTP surface, not GPU capacity (that's the queue's
	// job). 20 submissions/sec sustained, bursts up to 40.
	submitLimiter := rate.NewLimiter(rate.Limit(20), 40)

	router := mux.NewRouter()
	registerRoutes(router, svc, logger, submitLimiter)
	registerStreamRoute(router, svc, logger)

	instrumented := otelhttp.NewHandler(router, "benchscheduled-admin")

	adminServer := &http.Server{
		Addr: viper.GetString("bind-addr"), Handler: instrumented,
		ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second, IdleTimeout: 60 * time.Second,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: viper.GetString("metrics-addr"), Handler: metricsRouter}

	go func() {
		logger.WithField("addr", adminServer.Addr).Info("starting admin HTTP server")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("admin HTTP server failed")
		}
	}()
	go func() {
		logger.WithField("addr", metricsServer.Addr).Info("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("metrics server failed")
		}
	}()

	logger.WithFields(logrus.Fields{"version": Version, "commit": Commit, "num_gpus": numGPUs}).Info("benchscheduled started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down benchscheduled")
	sched.Stop()
	cancel()
	dispatcher.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	adminServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	logger.Info("benchscheduled shutdown complete")
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	return logger
}

// registerRoutes wires the Submit/Inspection/Admin HTTP surface over
// *core.Service. Request/response schemas are minimal JSON mirrors of the
// Service's own Go types — a full REST/gRPC transport layer is an
// external collaborator per scope, this is the reference wiring.
func registerRoutes(r *mux.Router, svc *core.Service, logger *logrus.Logger, submitLimiter *rate.Limiter) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/tasks", func(w http.ResponseWriter, req *http.Request) {
		if !submitLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, fmt.Errorf("submission rate exceeded"))
			return
		}
		var body struct {
			TaskType     domain.TaskType `json:"task_type"`
			Model        string          `json:"model"`
			StructureRef string          `json:"structure_ref"`
			Parameters   map[string]any  `json:"parameters"`
			Priority     domain.Priority `json:"priority"`
			CallbackURL  string          `json:"callback_url"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := svc.SubmitTask(req.Context(), core.SubmitRequest{
			TaskType: body.TaskType, Model: body.Model, StructureRef: body.StructureRef,
			Parameters: body.Parameters, Priority: body.Priority, CallbackURL: body.CallbackURL,
		})
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	}).Methods(http.MethodPost)

	r.HandleFunc("/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(mux.Vars(req)["id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := svc.GetTask(id)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}).Methods(http.MethodGet)

	r.HandleFunc("/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(mux.Vars(req)["id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := svc.CancelTask(id); err != nil {
			writeSchedulerError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	r.HandleFunc("/tasks/{id}/logs", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(mux.Vars(req)["id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		level := domain.LogLevel(req.URL.Query().Get("level"))
		limit := 0
		if raw := req.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		logs, err := svc.GetTaskLogs(id, level, limit)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}).Methods(http.MethodGet)

	r.HandleFunc("/tasks/{id}/result", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(mux.Vars(req)["id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := svc.GetTaskResult(id)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}).Methods(http.MethodGet)

	r.HandleFunc("/gpus", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, svc.GPUStatus())
	}).Methods(http.MethodGet)

	r.HandleFunc("/queue", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, svc.QueueStatus())
	}).Methods(http.MethodGet)

	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, svc.SchedulerStats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/alerts/rules", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, svc.ListAlertRules())
	}).Methods(http.MethodGet)

	r.HandleFunc("/alerts", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, svc.GetActiveAlerts(""))
	}).Methods(http.MethodGet)

	r.HandleFunc("/alerts/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ResolvedBy string `json:"resolved_by"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		alert, ok := svc.ResolveAlert(mux.Vars(req)["id"], body.ResolvedBy)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("alert not found"))
			return
		}
		writeJSON(w, http.StatusOK, alert)
	}).Methods(http.MethodPost)
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize: 1024, WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamHeartbeatInterval matches the 30 s cadence the Inspection API's
// StreamTaskLogs commits to so a quiet connection is distinguishable from
// a dead one.
const streamHeartbeatInterval = 30 * time.Second

// registerStreamRoute wires StreamTaskLogs as a websocket push of
// structured log entries, with a heartbeat frame every
// streamHeartbeatInterval whether or not entries were sent in between.
func registerStreamRoute(r *mux.Router, svc *core.Service, logger *logrus.Logger) {
	r.HandleFunc("/tasks/{id}/logs/stream", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(mux.Vars(req)["id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		entries, cancel, err := svc.StreamTaskLogs(id)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		defer cancel()

		conn, err := streamUpgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		defer conn.Close()

		lc := lifecycle.New()
		heartbeat := time.NewTicker(streamHeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if err := conn.WriteJSON(entry); err != nil {
					return
				}

			case <-heartbeat.C:
				if err := conn.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
					return
				}
				task, err := svc.GetTask(id)
				if err == nil && lc.IsTerminal(task.State) {
					return
				}
			}
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeSchedulerError(w http.ResponseWriter, err error) {
	kind, ok := domain.KindOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case domain.ErrNotFound:
		status = http.StatusNotFound
	case domain.ErrValidation, domain.ErrInvalidTransition:
		status = http.StatusBadRequest
	case domain.ErrResourceUnavailable, domain.ErrTransientInfra:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err)
}

// schedulerSnapshotSource adapts the GPU manager, queue, and worker
// manager into a single alert.SnapshotSource, grounded on
// original_source/alerts/rules.py's metric collector registry pattern.
type schedulerSnapshotSource struct {
	gm *gpu.Manager
	q  *queue.PriorityQueue
	wm *worker.Manager
}

func (s *schedulerSnapshotSource) Snapshot(ctx context.Context) alert.Snapshot {
	summary := s.gm.Summary()

	states := s.gm.AllStates()
	minFreeGB := -1.0
	maxTempC := 0.0
	for _, st := range states {
		freeGB := float64(st.MemoryFreeMiB) / 1024
		if minFreeGB < 0 || freeGB < minFreeGB {
			minFreeGB = freeGB
		}
		if st.TemperatureC > maxTempC {
			maxTempC = st.TemperatureC
		}
	}
	if minFreeGB < 0 {
		minFreeGB = 0
	}

	return alert.Snapshot{
		AvailableGPUs:      alert.IntPtr(summary.Free),
		MinGPUFreeMemoryGB: alert.FloatPtr(minFreeGB),
		MaxGPUTempC:        alert.FloatPtr(maxTempC),
		QueueLength:        alert.IntPtr(s.q.Size()),
		ActiveWorkers:      alert.IntPtr(s.wm.ActiveCount()),
	}
}

// The following stand-ins satisfy boundary interfaces this binary must
// compose against but which are entirely out of scope: structure-file
// parsing, ML potential loading, and atom-count resolution are external
// collaborators per scope. A real deployment supplies its own.

type unimplementedStructureReader struct{}

func (unimplementedStructureReader) Read(ctx context.Context, structureRef string) (*executor.Atoms, error) {
	return nil, domain.NewError(domain.ErrExecutorFailure, "structure parsing is an external collaborator, not wired in this binary")
}

type unimplementedModelLoader struct{}

func (unimplementedModelLoader) Load(ctx context.Context, modelName string, gpuIndex int) (executor.Calculator, error) {
	return nil, domain.NewError(domain.ErrExecutorFailure, "ML calculator loading is an external collaborator, not wired in this binary")
}

type unimplementedAtomCounter struct{}

func (unimplementedAtomCounter) NumAtoms(structureRef string) (int, error) {
	return 0, domain.NewError(domain.ErrExecutorFailure, "structure parsing is an external collaborator, not wired in this binary")
}

type noopTelemetryProbe struct{}

func (noopTelemetryProbe) Sample(ctx context.Context, index int) (memUsedMiB, memTotalMiB int, utilization, temperatureC float64, err error) {
	return 0, 24000, 0, 40, nil
}
