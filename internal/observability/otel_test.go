package observability

import (
	"context"
	"testing"

	"admitflow/internal/config"
)

func TestSetupTracing_Disabled_NoOp(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestEndpointHost_Parse(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		{"http://", "http://"},
	}
	for _, tt := range tests {
		if got := endpointHost(tt.input); got != tt.expected {
			t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestSampleRatio(t *testing.T) {
	for in, want := range map[float64]float64{0: 0.1, -1: 0.1, 2: 0.1, 0.5: 0.5, 1: 1} {
		if got := sampleRatio(in); got != want {
			t.Errorf("sampleRatio(%v) = %v, want %v", in, got, want)
		}
	}
}
