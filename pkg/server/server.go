package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Server struct {
	*http.Server
	// CleanUpFuncs is a list of functions that will be called, in order, once the server has stopped accepting requests.
	CleanUpFuncs []func(ctx context.Context) error
}

func New(addr string, h http.Handler) *Server {
	return &Server{
		Server: &http.Server{
			Addr:    addr,
			Handler: h,
		},
	}
}

func (s *Server) AddCleanupFunc(f func(ctx context.Context) error) {
	s.CleanUpFuncs = append(s.CleanUpFuncs, f)
}

// Serve blocks until the server is shut down. TLS is used when both crt and
// key are set. It returns nil after a graceful shutdown.
func (s *Server) Serve(ctx context.Context, crt, key string) error {
	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	var err error
	if crt != "" && key != "" {
		err = s.ListenAndServeTLS(crt, key)
	} else {
		err = s.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, then runs the clean up functions even if
// the shutdown itself failed.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	for _, cf := range s.CleanUpFuncs {
		if err := cf(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
