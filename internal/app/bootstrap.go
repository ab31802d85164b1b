// Package app is the Process Assembly component of spec §2 (#9): startup
// composition (store backend selection, routing client construction,
// definition seeding). The HTTP server and graceful shutdown are set up in
// cmd/opscore. It replaces the teacher's internal/app/context.go, which
// resolved a SQL project/config pair; Ops-Core has no per-project bootstrap,
// so this file assembles the store/lifecycle/routing/workflow chain instead.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"opscore/internal/config"
	"opscore/internal/lifecycle"
	"opscore/internal/opserr"
	"opscore/internal/routing"
	"opscore/internal/store"
	"opscore/internal/workflow"
)

// App holds the fully wired components a running process needs: the HTTP
// server reads from Lifecycle/Workflow directly, and cmd/ starts
// Workflow.Run as a background goroutine.
type App struct {
	Store     store.Store
	Lifecycle *lifecycle.Manager
	Workflow  *workflow.Engine
	Config    *config.Config
}

// New assembles an App from cfg, selecting the state-store backend per spec
// §4.1/§6 ("The selection is a startup-time decision; no runtime swapping").
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	s, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	lc := lifecycle.New(s, log)
	rc := routing.New(cfg.RoutingBaseURL, cfg.RoutingTimeout())
	eng := workflow.New(s, lc, rc, log)
	return &App{Store: s, Lifecycle: lc, Workflow: eng, Config: cfg}, nil
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch config.Backend(cfg.StorageBackend) {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr(),
			DB:   cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			// spec §6 exit code 2: "backend unreachable at startup".
			return nil, opserr.Wrap(opserr.KindConfigurationError, err, "redis backend unreachable at %s", cfg.RedisAddr())
		}
		return store.NewRedis(client), nil
	default:
		return nil, opserr.New(opserr.KindConfigurationError, "unrecognized storage backend %q", cfg.StorageBackend)
	}
}

// SeedWorkflows loads every definition file in dir at startup (spec §6,
// OPSCORE_SEED_WORKFLOWS). Per SPEC_FULL.md §11's "Startup workflow seeding
// detail": a malformed file logs a warning and is skipped rather than
// aborting startup, and a definition with no declared ID falls back to the
// filename stem.
func (a *App) SeedWorkflows(ctx context.Context, dir string, log *slog.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read seed workflows dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("skipping unreadable seed workflow file", slog.String("path", path), slog.Any("error", err))
			continue
		}
		def, err := workflow.ParseDefinition(data)
		if err != nil {
			log.Warn("skipping malformed seed workflow file", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if _, err := a.Workflow.CreateWorkflow(ctx, def); err != nil {
			log.Warn("skipping seed workflow that failed to save", slog.String("path", path), slog.Any("error", err))
			continue
		}
		log.Info("seeded workflow definition", slog.String("id", def.ID), slog.String("path", path))
	}
	return nil
}
