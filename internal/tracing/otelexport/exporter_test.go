package otelexport

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestNew_Protocols(t *testing.T) {
	for _, proto := range []string{"grpc", "http", ""} {
		t.Run(proto, func(t *testing.T) {
			e, err := New(context.Background(), Config{
				Endpoint: "localhost:4317",
				Protocol: proto,
				Insecure: true,
				Headers:  map[string]string{"authorization": "Bearer x"},
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			e.Shutdown(ctx)
		})
	}
}

func TestExporter_NilIsSafe(t *testing.T) {
	var e *Exporter
	e.Install()
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil exporter: %v", err)
	}
}

func TestResourceAttrs(t *testing.T) {
	attrs := resourceAttrs(Config{StoreBackend: "redis"})
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":            "nostrlink",
		"service.version":         "dev",
		"nostrlink.store.backend": "redis",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := sampler(tt.ratio).Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("sampler(%v) = %s, want it to contain %s", tt.ratio, desc, tt.want)
		}
	}
}
