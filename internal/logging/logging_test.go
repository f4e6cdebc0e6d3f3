package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/appconfig"
)

func TestNewTeesExtraWriters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(appconfig.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info().Str("table", "emp").Msg("synced")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("extra writer should receive JSON: %v", err)
	}
	if entry["message"] != "synced" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["table"] != "emp" {
		t.Errorf("table = %v", entry["table"])
	}
}

func TestNewLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(appconfig.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Debug().Msg("noise")
	logger.Warn().Msg("signal")

	out := buf.String()
	if strings.Contains(out, "noise") {
		t.Error("debug entry should be filtered at warn level")
	}
	if !strings.Contains(out, "signal") {
		t.Error("warn entry should pass")
	}
}

func TestNewBadLevelDefaultsToInfo(t *testing.T) {
	logger := New(appconfig.LoggingConfig{Level: "verbose", Format: "json"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("level = %v, want info", logger.GetLevel())
	}
}
