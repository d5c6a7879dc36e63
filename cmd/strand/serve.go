package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/strand-go/strand/internal/config"
	"github.com/strand-go/strand/pkg/middleware"
	"github.com/strand-go/strand/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		ports      []int
		workers    int
		policy     string
		adminAddr  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the strand server",
		Long: `Start the strand server with one listening loop per port and a
fixed pool of worker loops running the handlers.

The built-in handlers echo the request path and answer /healthz; they
exist so the server can be exercised without writing code. An admin
listener serves /healthz, /metrics (Prometheus) and /debug/pprof.

Examples:
  strand serve
  strand serve --port=8080 --port=8081 --workers=4
  strand serve --policy=ip-hash --admin=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Apply command-line overrides
			if len(ports) > 0 {
				cfg.Ports = ports
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if policy != "" {
				cfg.Policy = policy
			}
			if cmd.Flags().Changed("admin") {
				cfg.AdminAddr = adminAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to strand.yml (default ./strand.yml)")
	cmd.Flags().IntSliceVarP(&ports, "port", "p", nil, "Listen port (repeatable)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of worker loops")
	cmd.Flags().StringVar(&policy, "policy", "", "Worker selection policy: round-robin or ip-hash")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "Admin listener address (empty disables)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

func runServe(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	pol, err := server.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}

	srv := server.New(&server.Config{
		Workers:      cfg.Workers,
		Policy:       pol,
		ReadTimeout:  time.Duration(cfg.ReadTimeout),
		WriteTimeout: time.Duration(cfg.WriteTimeout),
		MaxBodySize:  cfg.MaxBodySize,
		Logger:       logger,
	})
	srv.Use(middleware.Prometheus())
	srv.Use(middleware.OTel())

	srv.RegisterHandler("/healthz", func(ctx *server.Context, respond server.ResponseFunc) {
		respond([]byte("ok\n"))
	})
	srv.RegisterDefaultHandler(func(ctx *server.Context, respond server.ResponseFunc) {
		ctx.AddResponseHeader("Content-Type", "text/plain; charset=utf-8")
		respond([]byte(ctx.Method + " " + ctx.Path + "\n"))
	})

	if err := srv.Start(cfg.Ports...); err != nil {
		// Ports bound before the failure stay bound until unwound.
		srv.Stop(true)
		return err
	}
	logger.Info("server running",
		"ports", srv.Ports(),
		"workers", cfg.Workers,
		"policy", pol.String())

	var admin *http.Server
	if cfg.AdminAddr != "" {
		admin = newAdminServer(cfg.AdminAddr, srv, logger)
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin listener failed", "error", err)
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	logger.Info("shutting down...")
	srv.Stop(true)
	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		admin.Shutdown(ctx)
	}
	logger.Info("shutdown complete")
	return nil
}

// newAdminServer builds the chi router for health, metrics, and pprof.
func newAdminServer(addr string, srv *server.Server, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if !srv.IsRunning() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)

	logger.Info("admin listening", "addr", addr)
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
