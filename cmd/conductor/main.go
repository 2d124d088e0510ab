// Command conductor runs the agent orchestration daemon and a small local
// attach client for container terminals.
//
// Usage:
//
//	conductor run -config conductor.yaml [task-id ...]
//	conductor attach -addr localhost:9090 <container-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"conductor/pkg/admission"
	"conductor/pkg/config"
	"conductor/pkg/engine"
	"conductor/pkg/events"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/runtime"
	"conductor/pkg/sandbox"
	"conductor/pkg/taskstore"
	"conductor/pkg/terminal"
	"conductor/pkg/tracker"
	"conductor/pkg/worker"
	"conductor/pkg/workspace"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "attach":
		err = attachCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: conductor run -config <file> [task-id ...]")
	fmt.Fprintln(os.Stderr, "       conductor attach [-addr host:port] <container-id>")
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "conductor.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logx.Init(cfg.Logging)
	logger := logx.NewLogger("conductor")
	logger.Info("starting with backend=%s model=%s workers=%d",
		cfg.LLM.Backend, cfg.LLM.ModelOrDefault(), cfg.Orchestrator.MaxWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.NewDockerRuntime(ctx, runtime.DockerOpts{
		Host:       cfg.Docker.Host,
		APIVersion: cfg.Docker.APIVersion,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	hub := events.NewHub()
	defer hub.Close()

	workspaces, err := workspace.NewManager(cfg.Workspace.Root, hub)
	if err != nil {
		return err
	}
	containers := sandbox.NewManager(rt, workspaces, sandbox.Defaults{
		Image:         cfg.Docker.Image,
		NetworkMode:   cfg.Docker.NetworkMode,
		CPULimit:      cfg.Docker.CPULimit,
		MemoryLimitMB: cfg.Docker.MemoryLimitMB,
	}, hub)

	store, err := taskstore.Open(cfg.TaskStore.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := llm.New(&cfg.LLM)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	tr := tracker.New(hub, m)
	eng := engine.New(provider, store, containers, m)
	relay := terminal.NewRelay(rt, containers)

	pool := worker.NewPool(
		admission.New(admission.Limits{
			Global:  cfg.Orchestrator.MaxWorkers,
			PerRepo: cfg.Orchestrator.MaxPerRepo,
			PerUser: cfg.Orchestrator.MaxPerUser,
		}),
		workspaces, containers, eng, tr, hub, m,
		worker.Config{
			Workers:       cfg.Orchestrator.MaxWorkers,
			MaxIterations: cfg.Orchestrator.MaxIterations,
			MaxTokens:     cfg.Orchestrator.MaxTokensPerTurn,
			Image:         cfg.Docker.Image,
			Model:         cfg.LLM.ModelOrDefault(),
			StopTimeout:   time.Duration(cfg.Docker.StopTimeoutSecs) * time.Second,
		},
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, cfg.Metrics.Addr, relay, logger) })
	g.Go(func() error { return sweepStaleWorkspaces(ctx, workspaces, cfg.Workspace.MaxAgeHours, logger) })

	for _, taskID := range fs.Args() {
		sub := worker.Submission{TaskID: taskID}
		if err := pool.Submit(sub); err != nil {
			logger.Error("submit task %s: %v", taskID, err)
			continue
		}
		logger.Info("queued task %s", taskID)
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// serveHTTP exposes the metrics endpoint and the terminal websocket.
func serveHTTP(ctx context.Context, addr string, relay *terminal.Relay, logger *logx.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/terminal/", func(w http.ResponseWriter, req *http.Request) {
		containerID := strings.TrimPrefix(req.URL.Path, "/terminal/")
		if containerID == "" {
			http.Error(w, "container id required", http.StatusBadRequest)
			return
		}
		if err := relay.ServeAttach(w, req, containerID); err != nil {
			logger.Warn("terminal attach %s: %v", containerID, err)
		}
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("http listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sweepStaleWorkspaces periodically reclaims workspaces older than the
// configured age.
func sweepStaleWorkspaces(ctx context.Context, workspaces *workspace.Manager, maxAgeHours int, logger *logx.Logger) error {
	maxAge := time.Duration(maxAgeHours) * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := workspaces.CleanupStale(maxAge); n > 0 {
				logger.Info("reclaimed %d stale workspaces", n)
			}
		}
	}
}
