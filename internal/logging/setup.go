package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger, which is the root of all
// of the loggers attached to contexts.
//
// format is either "text" or "json".
func Setup(w io.Writer, level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logger := logrus.StandardLogger()
	logger.SetOutput(w)
	logger.SetLevel(lvl)

	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
	return nil
}
