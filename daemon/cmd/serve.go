package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ruaan-deysel/mcp-runtime/daemon/domain"
	"github.com/ruaan-deysel/mcp-runtime/daemon/logger"
	"github.com/ruaan-deysel/mcp-runtime/daemon/services/mcp"
	"github.com/ruaan-deysel/mcp-runtime/daemon/services/metrics"
)

// Serve starts the MCP runtime: the Streamable HTTP transport (stateful
// or stateless per config), a /metrics endpoint, and a /healthz probe.
type Serve struct{}

// Run builds the handler registry, wires the transport, and blocks
// serving HTTP until the process is killed. appCtx.Config.AllowedOrigins
// is expected to already reflect any origins.ini file (main.go resolves
// that before constructing the Context, since it is the one step of
// config assembly that touches the filesystem beyond the YAML overlay).
func (s *Serve) Run(appCtx *domain.Context) error {
	registry := mcp.NewRegistry()
	registerReferenceCatalog(registry)

	selfInfo := &mcp.Implementation{Name: "mcp-runtime", Version: appCtx.Config.Version}

	opts := mcp.ServerOptions{
		StrictMode:         appCtx.Config.StrictMode,
		AllowedOrigins:     appCtx.Config.AllowedOrigins,
		MaxEventsPerStream: appCtx.Config.MaxEventsPerStream,
		Hub:                appCtx.Hub,
	}

	var source metrics.Source
	var mcpHandler http.HandlerFunc
	if appCtx.Config.Stateless {
		t := mcp.NewStatelessHTTPTransport(registry, selfInfo, opts)
		source = t
		mcpHandler = t.Handler()
		logger.Info("mcp: stateless Streamable HTTP transport ready")
	} else {
		t := mcp.NewStreamableHTTPTransport(registry, selfInfo, opts)
		source = t
		mcpHandler = t.Handler()
		logger.Info("mcp: stateful Streamable HTTP transport ready")
	}

	collector := metrics.NewCollector(appCtx.Hub, source)
	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	go collector.Run(collectorCtx)
	go pollPendingRequests(collectorCtx, source)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/mcp", mcpHandler)

	if appCtx.Config.MetricsAddr != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
		metricsServer := &http.Server{
			Addr:         appCtx.Config.MetricsAddr,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics: listening on %s", appCtx.Config.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics: server stopped: %v", err)
			}
		}()
	} else {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	server := &http.Server{
		Addr:         appCtx.Config.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived; no fixed write deadline
	}

	logger.Info("mcp: listening on %s", appCtx.Config.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// pollPendingRequests periodically reconciles the requests-pending gauge
// against the transport's own count.
func pollPendingRequests(ctx context.Context, source metrics.Source) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetRequestsPending(source.PendingCount())
		}
	}
}

// registerReferenceCatalog installs a minimal set of request handlers so
// the binary is runnable end to end: an echo method, a method that
// reports progress across a short simulated delay, and a task-augmented
// long-running example. None of these is the typed "tool" abstraction
// the engine itself stays agnostic of; they are hand-registered against
// the same RequestHandler closures application code would use.
func registerReferenceCatalog(registry *mcp.Registry) {
	registry.HandleRequest("echo", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})

	registry.HandleRequest("slow", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		const steps = 5
		total := float64(steps)
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, mcp.NewError(mcp.ErrCancelled, "slow cancelled")
			case <-time.After(200 * time.Millisecond):
			}
			progress := float64(i)
			_ = mcp.ReportProgress(ctx, progress, &total, fmt.Sprintf("step %d/%d", i, steps))
		}
		return json.Marshal(map[string]string{"status": "done"})
	})

	registry.HandleRequest("longRunningTask", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		taskID := strconv.FormatInt(time.Now().UnixNano(), 36)
		return json.Marshal(map[string]any{
			"task": map[string]string{"taskId": taskID, "status": string(mcp.TaskStatusWorking)},
		})
	})
}
