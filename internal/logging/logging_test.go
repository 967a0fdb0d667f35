package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetupJSON(t *testing.T) {
	defer logrus.SetOutput(logrus.StandardLogger().Out)
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)
	defer logrus.SetLevel(logrus.GetLevel())

	var buf bytes.Buffer
	if err := Setup(&buf, "debug", "json"); err != nil {
		t.Fatal(err)
	}

	ctx := ContextWithLogger(context.Background(), logrus.WithField("request_id", "abc"))
	_, done := ContextLoggerRequest(ctx, "fetch %s", "thing")
	done()

	dec := json.NewDecoder(&buf)
	var msgs []string
	for dec.More() {
		var entry map[string]any
		if err := dec.Decode(&entry); err != nil {
			t.Fatalf("invalid log line: %s", err)
		}
		if got := entry["request_id"]; got != "abc" {
			t.Errorf("wrong request_id %v", got)
		}
		msgs = append(msgs, entry["msg"].(string))
	}
	if len(msgs) != 2 || msgs[0] != "BEGIN fetch thing" || msgs[1] != "END fetch thing" {
		t.Errorf("wrong messages %q", msgs)
	}
}

func TestSetupErrors(t *testing.T) {
	defer logrus.SetOutput(logrus.StandardLogger().Out)
	defer logrus.SetLevel(logrus.GetLevel())

	var buf bytes.Buffer
	if err := Setup(&buf, "loud", "text"); err == nil {
		t.Error("unexpected success for invalid level")
	}
	if err := Setup(&buf, "info", "xml"); err == nil {
		t.Error("unexpected success for invalid format")
	}
}

func TestContextLoggerFallback(t *testing.T) {
	if ContextLogger(context.Background()) == nil {
		t.Fatal("no fallback logger")
	}
}
