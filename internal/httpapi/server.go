// Package httpapi serves the scheduler's status API, Prometheus metrics and
// optional pprof endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "wsched/internal/runtime/supervisor"
	logx "wsched/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// Config controls the HTTP listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - pprof on a non-loopback address is refused unless AllowInsecure is set.
type Config struct {
	Addr          string
	Pprof         bool
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server owns the listener and restarts the serve loop if it dies.
type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	handler http.Handler

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func NewServer(cfg Config, h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	return &Server{cfg: cfg, handler: h, log: log}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve failures are retried with backoff.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if s.cfg.Pprof && !s.cfg.AllowInsecure && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("http: pprof on a non-loopback address requires allow_insecure")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "http"))),
		// The API is optional; never take the scheduler down with it.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor returns the serve loop's supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	// Cancel first so the serve loop sees a clean stop rather than a crash.
	sup.Cancel()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if werr := sup.Wait(ctx); werr != nil && !errors.Is(werr, context.Canceled) && err == nil {
		err = werr
	}
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()
	s.log.Info("http api stopped")
	return err
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	cfg := s.cfg
	s.mu.Unlock()

	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", cfg.Addr); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
