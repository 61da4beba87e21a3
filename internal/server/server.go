// Package server runs the gateway's listeners: plaintext HTTP, TLS with
// SNI-driven certificate selection, HTTP/3 over QUIC on the same authority,
// and the optional admin surface.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/tkoenig/drawbridge/internal/certs"
	"github.com/tkoenig/drawbridge/internal/config"
	"github.com/tkoenig/drawbridge/internal/metrics"
)

const shutdownGrace = 10 * time.Second

// Server owns the listener set. Handlers are installed once via SetHandler
// before Run.
type Server struct {
	cfg    *config.Config
	store  *certs.Store
	logger *slog.Logger

	httpSrv  *http.Server
	httpsSrv *http.Server
	h3Srv    *http3.Server
	adminSrv *http.Server
}

// New wires the listeners from the config snapshot. The TLS and QUIC
// listeners resolve certificates through the store on every handshake, so
// background renewals take effect without a restart.
func New(cfg *config.Config, store *certs.Store, m *metrics.Registry, logger *slog.Logger) *Server {
	tlsConf := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: store.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}

	s := &Server{cfg: cfg, store: store, logger: logger}
	if cfg.Listen.HTTP != "" {
		s.httpSrv = &http.Server{
			Addr:              cfg.Listen.HTTP,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	if cfg.Listen.HTTPS != "" {
		s.httpsSrv = &http.Server{
			Addr:              cfg.Listen.HTTPS,
			TLSConfig:         tlsConf,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.h3Srv = &http3.Server{
			Addr:      cfg.Listen.HTTPS,
			TLSConfig: http3.ConfigureTLSConfig(tlsConf.Clone()),
		}
	}
	if cfg.Listen.Admin != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		s.adminSrv = &http.Server{
			Addr:              cfg.Listen.Admin,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// QUICHeaders returns the Alt-Svc writer for the HTTP/3 endpoint, or nil
// when no TLS listener is configured.
func (s *Server) QUICHeaders() func(http.Header) error {
	if s.h3Srv == nil {
		return nil
	}
	return s.h3Srv.SetQUICHeaders
}

// SetHandler installs the assembled middleware chain on every request
// listener. Must be called before Run.
func (s *Server) SetHandler(h http.Handler) {
	if s.httpSrv != nil {
		s.httpSrv.Handler = h
	}
	if s.httpsSrv != nil {
		s.httpsSrv.Handler = h
	}
	if s.h3Srv != nil {
		s.h3Srv.Handler = h
	}
}

// Run serves until ctx is cancelled or a listener fails, then shuts the
// survivors down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.httpSrv != nil {
		g.Go(func() error {
			s.logger.Info("http listener up", "addr", s.httpSrv.Addr)
			return ignoreClosed(s.httpSrv.ListenAndServe())
		})
	}
	if s.httpsSrv != nil {
		g.Go(func() error {
			s.logger.Info("https listener up", "addr", s.httpsSrv.Addr)
			// cert and key come from TLSConfig.GetCertificate
			return ignoreClosed(s.httpsSrv.ListenAndServeTLS("", ""))
		})
		g.Go(func() error {
			s.logger.Info("http3 listener up", "addr", s.h3Srv.Addr)
			return ignoreClosed(s.h3Srv.ListenAndServe())
		})
	}
	if s.adminSrv != nil {
		g.Go(func() error {
			s.logger.Info("admin listener up", "addr", s.adminSrv.Addr)
			return ignoreClosed(s.adminSrv.ListenAndServe())
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down listeners")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		for _, srv := range []*http.Server{s.httpSrv, s.httpsSrv, s.adminSrv} {
			if srv != nil {
				_ = srv.Shutdown(shutdownCtx)
			}
		}
		if s.h3Srv != nil {
			_ = s.h3Srv.Close()
		}
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
