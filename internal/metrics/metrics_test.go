package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	defer regOK.Store(false)

	// None of these should panic or create series before Register.
	IncStart("w")
	IncExit("w", "crash")
	IncRestart("w", "health")
	SetWorkerUp("w", true)
	SetWorkerRSS("w", 1024)
	SetCircuitState("w", "open", []string{"closed", "open", "half_open"})
	RecordCircuitTransition("w", "closed", "open")
	IncHealthCheck("w", "healthy")
	ObserveHealthCheckDuration("w", 0.01)
	IncKeepalivePing("w", "ok")

	if got := testutil.CollectAndCount(workerStarts); got != 0 {
		t.Fatalf("expected no series before Register, got %d", got)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	regOK.Store(false)
	defer regOK.Store(false)

	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := Register(r); err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if !regOK.Load() {
		t.Fatal("regOK not set after Register")
	}
}

func TestCountersAfterRegister(t *testing.T) {
	regOK.Store(false)
	defer func() {
		regOK.Store(false)
		workerStarts.Reset()
		workerExits.Reset()
		circuitState.Reset()
	}()

	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}

	IncStart("demo")
	IncStart("demo")
	IncExit("demo", "clean")
	SetCircuitState("demo", "open", []string{"closed", "open", "half_open"})

	if got := testutil.ToFloat64(workerStarts.WithLabelValues("demo")); got != 2 {
		t.Fatalf("starts: got %v want 2", got)
	}
	if got := testutil.ToFloat64(workerExits.WithLabelValues("demo", "clean")); got != 1 {
		t.Fatalf("exits: got %v want 1", got)
	}
	if got := testutil.ToFloat64(circuitState.WithLabelValues("demo", "open")); got != 1 {
		t.Fatalf("circuit open gauge: got %v want 1", got)
	}
	if got := testutil.ToFloat64(circuitState.WithLabelValues("demo", "closed")); got != 0 {
		t.Fatalf("circuit closed gauge: got %v want 0", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}
