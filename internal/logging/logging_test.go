package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level   string
		debugOn bool
		infoOn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"", false, true},
		{"verbose", false, true},
	}
	for _, tc := range tests {
		logger := New(tc.level, "text")
		ctx := context.Background()
		if got := logger.Enabled(ctx, slog.LevelDebug); got != tc.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", tc.level, got, tc.debugOn)
		}
		if got := logger.Enabled(ctx, slog.LevelInfo); got != tc.infoOn {
			t.Errorf("level %q: info enabled = %v, want %v", tc.level, got, tc.infoOn)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	if New("info", "json") == nil {
		t.Fatal("expected a logger")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithRequestID(ctx, "req-2") // later stamp wins
	if id := RequestID(ctx); id != "req-2" {
		t.Errorf("expected req-2, got %q", id)
	}
}

func TestFromContextDefaults(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected the default logger")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected the attached logger back")
	}
}

func TestLCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-77")

	L(ctx).Info("payment settled", "orderId", "ord_1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["request_id"] != "req-77" {
		t.Errorf("expected request_id req-77, got %v", line["request_id"])
	}
	if line["orderId"] != "ord_1" {
		t.Errorf("expected orderId attr, got %v", line["orderId"])
	}
}

func TestLWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	L(ctx).Info("sweep finished")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if _, ok := line["request_id"]; ok {
		t.Error("expected no request_id attr")
	}
}
