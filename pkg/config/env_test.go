package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("FOO", "")
	if got := GetEnv("FOO", "bar"); got != "bar" {
		t.Fatalf("expected bar, got %s", got)
	}
	t.Setenv("FOO", "baz")
	if got := GetEnv("FOO", "bar"); got != "baz" {
		t.Fatalf("expected baz, got %s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("NUM", "")
	if got := GetEnvInt("NUM", 42); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("NUM", "100")
	if got := GetEnvInt("NUM", 42); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	t.Setenv("NUM", "notint")
	if got := GetEnvInt("NUM", 7); got != 7 {
		t.Fatalf("expected 7 on parse error, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLAG", "")
	if got := GetEnvBool("FLAG", true); got != true {
		t.Fatalf("expected true default, got %v", got)
	}
	t.Setenv("FLAG", "false")
	if got := GetEnvBool("FLAG", true); got != false {
		t.Fatalf("expected false, got %v", got)
	}
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("RATIO", "")
	if got := GetEnvFloat("RATIO", 0.5); got != 0.5 {
		t.Fatalf("expected 0.5 default, got %v", got)
	}
	t.Setenv("RATIO", "0.25")
	if got := GetEnvFloat("RATIO", 0.5); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	t.Setenv("RATIO", "notfloat")
	if got := GetEnvFloat("RATIO", 0.5); got != 0.5 {
		t.Fatalf("expected 0.5 on parse error, got %v", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("INTERVAL", "")
	if got := GetEnvDuration("INTERVAL", 15*time.Second); got != 15*time.Second {
		t.Fatalf("expected 15s default, got %v", got)
	}
	t.Setenv("INTERVAL", "2m")
	if got := GetEnvDuration("INTERVAL", 15*time.Second); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %v", got)
	}
	t.Setenv("INTERVAL", "45")
	if got := GetEnvDuration("INTERVAL", 15*time.Second); got != 45*time.Second {
		t.Fatalf("expected bare integer to parse as seconds, got %v", got)
	}
	t.Setenv("INTERVAL", "soon")
	if got := GetEnvDuration("INTERVAL", 15*time.Second); got != 15*time.Second {
		t.Fatalf("expected 15s on parse error, got %v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if GetLogLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level")
	}
	t.Setenv("LOG_LEVEL", "warn")
	if GetLogLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn level")
	}
	t.Setenv("LOG_LEVEL", "error")
	if GetLogLevel() != logrus.ErrorLevel {
		t.Fatalf("expected error level")
	}
	t.Setenv("LOG_LEVEL", "")
	if GetLogLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level by default")
	}
}

func TestLoadEnv_NoFile(t *testing.T) {
	// Should not panic or error; just log debug
	logger := logrus.New()
	LoadEnv(logger)
}
