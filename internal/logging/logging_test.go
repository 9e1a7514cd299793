package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: " warn ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "trace", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, LevelInfo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("peer issued", "peer", "alice", "private_key", "c2VjcmV0", "client_secret", "x")
	logger.Debug("hidden")

	out := buf.String()
	if strings.Contains(out, "c2VjcmV0") || strings.Contains(out, "client_secret=x") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "peer=alice") {
		t.Fatalf("missing attribute: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %s", out)
	}
}
