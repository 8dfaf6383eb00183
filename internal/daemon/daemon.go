// Package daemon assembles and runs the long-lived process: exclusive
// PID lock, store open and migration, collaborator wiring, the HTTP
// server, the worker runner, and config hot reload. The daemon owns the
// data directory for its lifetime.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signet/internal/config"
	"signet/internal/embedding"
	"signet/internal/llm"
	"signet/internal/logging"
	"signet/internal/recall"
	"signet/internal/server"
	"signet/internal/session"
	"signet/internal/signing"
	"signet/internal/store"
	"signet/internal/worker"
)

// ErrAlreadyRunning means another daemon holds the data directory lock.
var ErrAlreadyRunning = errors.New("another signet daemon is already running")

// Options configures a daemon run.
type Options struct {
	// ConfigPath to the YAML config; empty uses <agents_dir>/config.yaml
	// under the default agents dir.
	ConfigPath string

	Version string
}

// Run starts the daemon and blocks until ctx is cancelled or a fatal
// error occurs. Callers map ErrAlreadyRunning to its own exit code.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(resolveConfigPath(opts.ConfigPath))
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	// Hot reload swaps this pointer; every component reads flags through
	// the snapshot function and never caches a *Config.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)
	cfgFn := func() *config.Config { return current.Load() }

	logger, hub, flush, err := logging.New(cfg.Logging, cfg.LogPath())
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer flush()

	lock, err := acquireLock(cfg.Daemon.AgentsDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	st, err := store.Open(store.Options{
		Path:        cfg.DatabasePath(),
		BusyTimeout: cfg.Memory.BusyTimeout.Std(),
		Logger:      logger.Named("store"),
	})
	if err != nil {
		return fmt.Errorf("store open failed: %w", err)
	}
	defer st.Close()

	var signer *signing.Signer
	if cfg.Signing.AutoSign {
		signer, err = signing.LoadOrCreate(cfg.SigningKeyPath())
		if err != nil {
			// Unsigned memories are valid; identity comes back on restart.
			logger.Warn("signing keypair unavailable, memories will be unsigned", zap.Error(err))
		} else {
			logger.Info("signing identity loaded", zap.String("did", signer.DID()))
		}
	}

	embedder, err := embedding.New(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		return fmt.Errorf("embedder init failed: %w", err)
	}

	generator, err := llm.New(llm.Config{
		Provider:       cfg.Generator.Provider,
		OllamaEndpoint: cfg.Generator.OllamaEndpoint,
		OllamaModel:    cfg.Generator.OllamaModel,
		GenAIAPIKey:    cfg.Generator.GenAIAPIKey,
		GenAIModel:     cfg.Generator.GenAIModel,
	})
	if err != nil {
		return fmt.Errorf("generator init failed: %w", err)
	}

	engine := recall.New(st, embedder, cfg.Search, logger.Named("recall"))
	sessions := session.New(st, engine, cfgFn, logger, generator != nil)

	runner := worker.NewRunner(st, cfgFn, logger)
	workers := worker.NewWorkers(st, embedder, generator, cfgFn, logger.Named("worker"))
	workers.RegisterAll(runner)

	srv := server.New(server.Deps{
		Store:      st,
		Engine:     engine,
		Sessions:   sessions,
		Embedder:   embedder,
		Signer:     signer,
		Hub:        hub,
		Config:     cfgFn,
		Logger:     logger,
		Version:    opts.Version,
		CanExtract: generator != nil,
	})

	logger.Info("daemon starting",
		zap.String("version", opts.Version),
		zap.Int("port", cfg.Daemon.Port),
		zap.String("db", cfg.DatabasePath()),
		zap.Bool("vector", st.VectorAvailable()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		return watchConfig(gctx, resolveConfigPath(opts.ConfigPath), &current, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("daemon stopped")
		return nil
	}
	return err
}

// acquireLock takes the advisory daemon lock. A held lock means another
// daemon owns the data directory.
func acquireLock(agentsDir string) (*flock.Flock, error) {
	dir := filepath.Join(agentsDir, ".daemon")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create daemon directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, "signet.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemon lock failed: %w", err)
	}
	if !held {
		return nil, ErrAlreadyRunning
	}
	return lock, nil
}

// watchConfig reloads the config file on change and swaps the active
// snapshot. A file that fails to parse keeps the previous snapshot.
func watchConfig(ctx context.Context, path string, current *atomic.Pointer[config.Config], logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher failed: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which breaks a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config watch failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(path)
			if err != nil {
				logger.Warn("config reload failed, keeping previous", zap.Error(err))
				continue
			}
			current.Store(cfg)
			logger.Info("config reloaded",
				zap.Bool("pipeline_enabled", cfg.Pipeline.Enabled),
				zap.Bool("shadow_mode", cfg.Pipeline.ShadowMode),
				zap.Bool("mutations_frozen", cfg.Pipeline.MutationsFrozen))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(config.DefaultConfig().Daemon.AgentsDir, "config.yaml")
}
