package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mediclab/harbui/internal/config"
	"github.com/mediclab/harbui/internal/logging"
	"github.com/mediclab/harbui/internal/querysecret"
)

const shutdownTimeout = 10 * time.Second

// Run serves the browsing API until the given context is cancelled, and then
// shuts down gracefully.
func Run(ctx context.Context, cfg *config.Config, registry Registry, version string) error {
	logger := logging.ContextLogger(ctx)

	var secreter *querysecret.Secreter
	if cfg.Server.QueryStringSecret != nil {
		secreter = querysecret.NewSecreter(*cfg.Server.QueryStringSecret)
	} else {
		var err error
		secreter, err = querysecret.NewRandomSecreter()
		if err != nil {
			return err
		}
		if cfg.UI.DeletingAllowed {
			logger.Warn("no query_string_secret configured; delete tokens will not survive a restart")
		}
	}

	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	s := New(registry, secreter, cfg.UI, version)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.GenerateRoutes(),
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
		ConnContext: contextWithConn,
	}

	if cfg.Server.TLS != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cfg.Server.TLS.Certificate},
		}
		logger.Infof("HTTPS server listening on %s", cfg.Server.ListenAddr)
	} else {
		logger.Infof("HTTP server listening on %s", cfg.Server.ListenAddr)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
