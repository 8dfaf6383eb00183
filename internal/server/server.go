// Package server exposes the memory engine over a loopback HTTP API:
// memory CRUD, recall, batch operations with confirm tokens, the
// session lifecycle hooks, and the SSE log stream. Handlers are thin;
// every decision that matters lives in the store, the recall engine, or
// the session manager.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"signet/internal/config"
	"signet/internal/embedding"
	"signet/internal/logging"
	"signet/internal/recall"
	"signet/internal/session"
	"signet/internal/signing"
	"signet/internal/store"
)

// confirmTokenTTL bounds how long a batch-forget preview stays valid.
const confirmTokenTTL = 5 * time.Minute

// Deps wires the server to its collaborators. Embedder, Signer, and
// Hub may be nil; the affected endpoints degrade instead of failing.
type Deps struct {
	Store    *store.Store
	Engine   *recall.Engine
	Sessions *session.Manager
	Embedder embedding.Embedder
	Signer   *signing.Signer
	Hub      *logging.StreamHub
	Config   func() *config.Config
	Logger   *zap.Logger
	Version  string

	// CanExtract reports whether a generator is configured, which
	// decides if remember fans out extraction jobs.
	CanExtract bool
}

// Server is the HTTP surface of the daemon.
type Server struct {
	store    *store.Store
	engine   *recall.Engine
	sessions *session.Manager
	embedder embedding.Embedder
	signer   *signing.Signer
	hub      *logging.StreamHub
	cfg      func() *config.Config
	logger   *zap.Logger
	version  string

	canExtract bool
	startedAt  time.Time
	now        func() time.Time

	confirmMu sync.Mutex
	confirms  map[string]confirmEntry
}

type confirmEntry struct {
	ids     []string
	expires time.Time
}

// New creates the server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:      d.Store,
		engine:     d.Engine,
		sessions:   d.Sessions,
		embedder:   d.Embedder,
		signer:     d.Signer,
		hub:        d.Hub,
		cfg:        d.Config,
		logger:     logger.Named("http"),
		version:    d.Version,
		canExtract: d.CanExtract,
		startedAt:  time.Now(),
		now:        time.Now,
		confirms:   make(map[string]confirmEntry),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/logs/stream", s.handleLogStream)
		r.Get("/memories", s.handleList)

		r.Route("/memory", func(r chi.Router) {
			r.Post("/remember", s.handleRemember)
			r.Post("/recall", s.handleRecall)
			r.Post("/forget", s.handleBatchForget)
			r.Post("/modify", s.handleBatchModify)
			r.Post("/ingest-document", s.handleIngestDocument)
			r.Get("/jobs/{id}", s.handleJobStatus)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Patch("/", s.handleModify)
				r.Delete("/", s.handleForget)
				r.Post("/recover", s.handleRecover)
				r.Get("/history", s.handleHistory)
			})
		})

		r.Route("/hooks", func(r chi.Router) {
			r.Post("/session-start", s.hookHandler(s.sessions.Start))
			r.Post("/user-prompt-submit", s.hookHandler(s.sessions.UserPrompt))
			r.Post("/session-end", s.hookHandler(s.sessions.End))
			r.Post("/pre-compaction", s.hookHandler(s.sessions.PreCompaction))
			r.Post("/compaction-complete", s.hookHandler(s.sessions.CompactionComplete))
			r.Post("/remember", s.handleHookRemember)
			r.Post("/recall", s.handleHookRecall)
		})
	})

	return r
}

// Serve listens on loopback only and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.cfg()
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", cfg.Daemon.Port))

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr), zap.Int("pid", os.Getpid()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// writeContext builds history attribution from request headers.
func writeContext(r *http.Request) store.WriteContext {
	actorType := r.Header.Get("x-signet-actor-type")
	if actorType == "" {
		actorType = store.ActorUser
	}
	return store.WriteContext{
		Actor:      r.Header.Get("x-signet-actor"),
		ActorType:  actorType,
		SessionKey: r.Header.Get("x-signet-session-key"),
		RequestID:  middleware.GetReqID(r.Context()),
	}
}

// runtimePath reads the runtime-path header, defaulting to legacy.
func runtimePath(r *http.Request) string {
	if p := r.Header.Get("x-signet-runtime-path"); p != "" {
		return p
	}
	return session.RuntimeLegacy
}
