// Package web — HTTP-проверка живости для PaaS-платформ, которые требуют
// открытый порт. Отвечает "OK" на / и /health, остальное — 404.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"jmcomic-bot/internal/infra/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// Server — health-сервер.
type Server struct {
	srv *http.Server
}

// NewServer собирает сервер на addr.
func NewServer(addr string) *Server {
	return &Server{srv: &http.Server{
		Addr:         addr,
		Handler:      NewRouter(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}}
}

// NewRouter — маршруты health-сервера.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	for _, path := range []string{"/", "/health"} {
		r.Get(path, handleHealth)
		r.Head(path, handleHealth)
	}
	return r
}

// Serve обслуживает готовый listener.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info("health server listening", zap.String("address", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "health server")
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
