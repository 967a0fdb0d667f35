package logging

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

func ContextWithLogger(parentCtx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(parentCtx, loggerContextKey, logger)
}

// ContextLogger returns the logger attached to the given context, or a
// logger writing through the standard logrus logger if there is none.
func ContextLogger(ctx context.Context) *logrus.Entry {
	logger, ok := ctx.Value(loggerContextKey).(*logrus.Entry)
	if !ok || logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return logger
}

// ContextLoggerRequest logs the start of some request-like activity and
// returns a function to call to log its end.
func ContextLoggerRequest(ctx context.Context, f string, args ...any) (*logrus.Entry, func()) {
	logger := ContextLogger(ctx)
	reqType := fmt.Sprintf(f, args...)
	logger.Debug("BEGIN ", reqType)
	return logger, func() {
		logger.Debug("END ", reqType)
	}
}

type contextKey string

const loggerContextKey = contextKey("logger")
