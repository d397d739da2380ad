package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the backends a Server runs on.
type Deps struct {
	Repo   Repository
	Store  ObjectStore
	Logger *zap.Logger
	// PINAttempts defaults to an in-memory limiter.
	PINAttempts AttemptLimiter
}

type Server struct {
	cfg   Config
	log   *zap.Logger
	repo  Repository
	store ObjectStore

	pinAttempts   AttemptLimiter
	loginAttempts *memoryLockout
	uploadLimiter *rateLimiter
	reconciler    *Reconciler
	now           func() time.Time

	handler    http.Handler
	httpServer *http.Server

	// mu guards stopBackground and closed against concurrent Start and
	// Shutdown.
	mu             sync.Mutex
	closed         bool
	stopBackground context.CancelFunc
	background     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pinAttempts := deps.PINAttempts
	if pinAttempts == nil {
		pinAttempts = newMemoryLockout(cfg.PINMaxAttempts, cfg.PINWindow)
	}
	rate := cfg.UploadRatePerMin
	if rate <= 0 {
		rate = 60
	}

	s := &Server{
		cfg:           cfg,
		log:           log,
		repo:          deps.Repo,
		store:         deps.Store,
		pinAttempts:   pinAttempts,
		loginAttempts: newMemoryLockout(5, 15*time.Minute),
		uploadLimiter: newRateLimiter(rate, time.Minute),
		reconciler:    NewReconciler(deps.Repo, deps.Store, log),
		now:           time.Now,
	}

	mux := http.NewServeMux()
	s.routes(mux)

	// security -> requestID -> realIP -> gzip -> access log -> mux
	var handler http.Handler = accessLog(log, mux)
	handler = compress(handler)
	handler = realIP(cfg.TrustedProxies)(handler)
	handler = requestIDMiddleware(handler)
	handler = securityHeaders(storageOrigin(cfg.Storage))(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	limited := func(h http.HandlerFunc) http.Handler { return s.uploadLimiter.middleware(h) }
	admin := func(h http.HandlerFunc) http.Handler { return s.requireAdmin(h) }

	mux.HandleFunc("GET /{$}", s.handleIndex)

	mux.Handle("POST /upload", limited(s.handleUpload))
	mux.Handle("POST /api/initiate-upload", limited(s.handleInitiateUpload))
	mux.Handle("POST /api/request-part-url", limited(s.handleRequestPartURL))
	mux.Handle("POST /api/finalize-upload", limited(s.handleFinalizeUpload))
	mux.Handle("POST /api/abort-upload", limited(s.handleAbortUpload))

	mux.HandleFunc("GET /share/{token}", s.handleSharePage)
	mux.HandleFunc("GET /api/share/{token}", s.handleShareJSON)
	mux.HandleFunc("POST /download/{token}", s.handleDownloadForm)
	mux.HandleFunc("POST /api/download/{token}", s.handleDownloadJSON)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /admin/login", s.handleLogin)
	mux.HandleFunc("POST /admin/logout", s.handleLogout)
	mux.HandleFunc("GET /admin", s.handleAdminPage)
	mux.Handle("GET /admin/api/files", admin(s.handleAdminListFiles))
	mux.Handle("POST /admin/api/files/delete", admin(s.handleAdminBulkDelete))
	mux.Handle("DELETE /admin/api/files/{id}", admin(s.handleAdminDeleteFile))
	mux.Handle("GET /admin/api/users", admin(s.handleAdminListUsers))
	mux.Handle("POST /admin/api/users", admin(s.handleAdminCreateUser))
	mux.Handle("POST /admin/api/cleanup", admin(s.handleAdminCleanup))
	mux.Handle("GET /admin/api/orphans", admin(s.handleAdminOrphans))
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Reconciler returns the deletion reconciler shared with the cleanup job.
func (s *Server) Reconciler() *Reconciler {
	return s.reconciler
}

// Start listens on cfg.Addr and serves until Shutdown. Background sweepers
// for the in-memory limiters run for the lifetime of the server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopBackground = cancel
	s.goBackground(func() { s.uploadLimiter.sweep(ctx) })
	s.goBackground(func() { s.loginAttempts.sweep(ctx, time.Hour) })
	if ml, ok := s.pinAttempts.(*memoryLockout); ok {
		s.goBackground(func() { ml.sweep(ctx, time.Hour) })
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		cancel()
		return err
	}

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// Shutdown stops the listener and the sweepers. A later Start returns nil
// without serving.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	stop := s.stopBackground
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	if stop != nil {
		stop()
	}
	s.background.Wait()
	return err
}
