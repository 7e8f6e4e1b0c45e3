package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPChecker_HealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("Expected positive duration")
	}
}

func TestHTTPChecker_UnhealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestHTTPChecker_ConnectionRefused(t *testing.T) {
	// Nothing listens here.
	checker := NewHTTPChecker("http://127.0.0.1:1").WithTimeout(500 * time.Millisecond)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Error("Expected unhealthy for refused connection")
	}
}

func TestStatus_TogglesAfterRetries(t *testing.T) {
	cfg := Config{Interval: time.Second, Timeout: time.Second, Retries: 2}
	status := NewStatus()

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	ok := Result{Healthy: true, CheckedAt: time.Now()}

	status.Update(fail, cfg)
	if !status.Healthy {
		t.Error("one failure should not flip status below the retry threshold")
	}

	status.Update(fail, cfg)
	if status.Healthy {
		t.Error("expected unhealthy after reaching retry threshold")
	}

	status.Update(ok, cfg)
	if !status.Healthy {
		t.Error("expected healthy after first success")
	}
}
