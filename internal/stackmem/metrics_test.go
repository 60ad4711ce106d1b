package stackmem

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestMetricsSnapshot(t *testing.T) {
	p := NewProvisioner()

	r, err := p.Allocate(MinStackSize)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer p.Release(r)

	m := p.Metrics()
	for _, key := range []string{
		"allocations_total", "releases_total", "failures_total",
		"bytes_reserved", "bytes_in_use", "peak_bytes_in_use", "live_regions",
	} {
		if _, ok := m[key]; !ok {
			t.Errorf("metric %q missing from snapshot", key)
		}
	}
	if m["live_regions"] != 1 {
		t.Errorf("live_regions = %g, want 1", m["live_regions"])
	}
	if m["bytes_in_use"] != float64(MinStackSize) {
		t.Errorf("bytes_in_use = %g, want %d", m["bytes_in_use"], MinStackSize)
	}
}

func TestMetricsServer(t *testing.T) {
	p := NewProvisioner()
	r, err := p.Allocate(MinStackSize)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer p.Release(r)

	bound, stop, err := StartMetricsServer("127.0.0.1:0", map[string]MetricFunc{
		"stackmem": p.Metrics,
	})
	if err != nil {
		t.Fatalf("StartMetricsServer failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	}()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", bound))
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}

	text := string(body)
	if !strings.Contains(text, "stackmem_live_regions 1") {
		t.Errorf("exposition missing live region count:\n%s", text)
	}
	if !strings.Contains(text, "stackmem_bytes_in_use") {
		t.Errorf("exposition missing bytes_in_use:\n%s", text)
	}
}

func TestSanitizeMetricToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"stackmem_bytes_in_use", "stackmem_bytes_in_use"},
		{"stackmem.bytes-in-use", "stackmem_bytes_in_use"},
		{"9lives", "_9lives"},
		{"a b", "a_b"},
	}
	for _, tt := range tests {
		if got := sanitizeMetricToken(tt.in); got != tt.want {
			t.Errorf("sanitizeMetricToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
