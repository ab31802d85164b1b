package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"opscore/internal/app"
	"opscore/internal/config"
	"opscore/internal/opserr"
	"opscore/internal/server"
)

// Exit codes per spec §6: 0 clean shutdown, 1 configuration error, 2 backend
// unreachable at startup.
const (
	exitOK             = 0
	exitConfig         = 1
	exitBackendUnready = 2
)

var rootCmd = &cobra.Command{
	Use:   "opscore",
	Short: "Ops-Core control plane for autonomous agent fleets",
}

func main() {
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitConfig)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("configuration error", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		if opserr.Is(err, opserr.KindConfigurationError) {
			log.Error("backend unreachable at startup", slog.Any("error", err))
			os.Exit(exitBackendUnready)
		}
		log.Error("startup error", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	seedCtx, seedCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.SeedWorkflows(seedCtx, cfg.SeedWorkflows, log); err != nil {
		log.Error("workflow seeding error", slog.Any("error", err))
	}
	seedCancel()

	handler, err := server.New(server.Config{
		Lifecycle: a.Lifecycle,
		Workflow:  a.Workflow,
		Auth:      server.AuthConfig{APIKey: cfg.APIKey, RequireJWTWebhook: cfg.WebhookJWT},
		Log:       log,
	})
	if err != nil {
		log.Error("server construction error", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The dispatch loop runs independently of the HTTP server; a handful of
	// workers drain the same Queue, matching the teacher's pattern of a
	// single background goroutine outliving individual requests.
	for i := 0; i < dispatchWorkerCount(); i++ {
		go a.Workflow.Run(runCtx)
	}

	srv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: handler}
	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("opscore listening", slog.String("addr", cfg.HTTPListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", slog.Any("error", err))
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
	return nil
}

// dispatchWorkerCount is fixed rather than configurable; spec §5 only
// requires per-agent ordering, which the Queue's sharding preserves
// regardless of how many goroutines drain it.
func dispatchWorkerCount() int {
	return 4
}
