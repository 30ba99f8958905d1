package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veritaslegal/chatstream/internal/metrics"
)

func serve(srv *http.Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthzAlwaysOK(t *testing.T) {
	srv := NewServer(":0", nil, nil)

	w := serve(srv, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestReadyzReflectsDependencies(t *testing.T) {
	healthy := NewServer(":0", nil, func(ctx context.Context) error { return nil })
	if w := serve(healthy, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", w.Code)
	}

	broken := NewServer(":0", nil, func(ctx context.Context) error {
		return errors.New("database unreachable")
	})
	w := serve(broken, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unready status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "database unreachable") {
		t.Errorf("body = %s", w.Body.String())
	}

	// Without a ready func the endpoint reports ready.
	always := NewServer(":0", nil, nil)
	if w := serve(always, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("default status = %d, want 200", w.Code)
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	m := metrics.New()
	m.StreamsStarted.Inc()
	srv := NewServer(":0", m, nil)

	w := serve(srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "chatstream_stream_started_total 1") {
		t.Errorf("exposition is missing the stream counter:\n%.400s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("exposition is missing the Go runtime collector")
	}
}
