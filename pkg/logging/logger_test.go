package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("marketd")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("k", "v").Info("probe")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	if line["service"] != "marketd" {
		t.Fatalf("service field = %v, want marketd", line["service"])
	}
	if line["k"] != "v" {
		t.Fatalf("field k = %v, want v", line["k"])
	}
}
