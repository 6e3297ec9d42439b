package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"
)

func TestEntryEmitsFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	InitLogger(&buf, DebugLevel, false)
	defer InitLogger(os.Stderr, InfoLevel, false)

	WithField("room_id", "!a:example.org").
		WithFields(map[string]interface{}{"count": 20}).
		WithError(errors.New("boom")).
		Warn("backfill failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["level"] != "warn" {
		t.Errorf("level = %v, want warn", line["level"])
	}
	if line["room_id"] != "!a:example.org" {
		t.Errorf("room_id = %v", line["room_id"])
	}
	if line["count"] != float64(20) {
		t.Errorf("count = %v", line["count"])
	}
	if line["error"] != "boom" {
		t.Errorf("error = %v", line["error"])
	}
	if line["message"] != "backfill failed" {
		t.Errorf("message = %v", line["message"])
	}
}

func TestEntryRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	InitLogger(&buf, InfoLevel, false)
	defer InitLogger(os.Stderr, InfoLevel, false)

	WithField("k", "v").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug entry written at info level: %q", buf.String())
	}

	Info("shown")
	if buf.Len() == 0 {
		t.Fatal("info entry not written")
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	base := WithField("a", 1)
	child := base.WithField("b", 2)

	if _, ok := base.fields["b"]; ok {
		t.Error("parent entry was mutated")
	}
	if len(child.fields) != 2 {
		t.Errorf("child fields = %v", child.fields)
	}
}
