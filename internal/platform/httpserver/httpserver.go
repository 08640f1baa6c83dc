package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/platform/run"
)

type Server struct {
	HTTP *http.Server
	Name string
	log  *zap.Logger
}

type Options struct {
	Addr        string
	ServiceName string
	Logger      *zap.Logger
	Router      chi.Router
}

func New(opts Options) *Server {
	if opts.Router == nil {
		opts.Router = chi.NewRouter()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           opts.Router,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(opts.Logger.Named("http")),
	}
	return &Server{HTTP: srv, Name: opts.ServiceName, log: opts.Logger}
}

func (s *Server) Start() error {
	s.log.Info("http server starting", zap.String("addr", s.HTTP.Addr), zap.String("service", s.Name))
	return s.HTTP.ListenAndServe()
}

// Serve runs the server on an existing listener. Used by tests that bind
// to port 0.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("http server starting", zap.String("addr", l.Addr().String()), zap.String("service", s.Name))
	return s.HTTP.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.HTTP.Shutdown(ctx)
}

// Task adapts the server to the process runner.
func (s *Server) Task() run.Task {
	return run.Task{
		Name: "http",
		Start: func(context.Context) error {
			err := s.Start()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
		Stop: s.Shutdown,
	}
}
