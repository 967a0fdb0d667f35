package server

import (
	"context"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mediclab/harbui/internal/logging"
)

type contextKey string

const remoteAddrContextKey = contextKey("remoteAddr")

// contextWithConn annotates a connection's context with its remote address
// and a logger that includes it.
func contextWithConn(parentCtx context.Context, conn net.Conn) context.Context {
	ctx := context.WithValue(parentCtx, remoteAddrContextKey, conn.RemoteAddr())
	logger := logging.ContextLogger(ctx).WithField("remote_addr", conn.RemoteAddr().String())
	return logging.ContextWithLogger(ctx, logger)
}

func contextRemoteAddr(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(remoteAddrContextKey).(net.Addr)
	return addr
}

// requestLogger gives each request a logger tagged with a fresh request ID,
// and logs the outcome once the handlers have finished.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Header("X-Request-Id", requestID)

		ctx := c.Request.Context()
		logger := logging.ContextLogger(ctx).WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
		})
		if addr := contextRemoteAddr(ctx); addr == nil {
			logger = logger.WithField("remote_addr", c.Request.RemoteAddr)
		}
		ctx = logging.ContextWithLogger(ctx, logger)
		c.Request = c.Request.WithContext(ctx)

		_, done := logging.ContextLoggerRequest(ctx, "%s %s", c.Request.Method, c.Request.URL.Path)
		start := time.Now()
		c.Next()
		done()

		entry := logger.WithFields(logrus.Fields{
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request handled")
		}
	}
}
