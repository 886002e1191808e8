package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "Attest-Chain/internal/errors"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("attest", "OK", 3*time.Millisecond)
	m.ObserveOperation("attest", xerrors.Code("NONCE_ALREADY_USED"), time.Millisecond)

	out := scrape(t, m)
	for _, want := range []string{
		`attestd_ledger_operations_total{code="OK",operation="attest"} 1`,
		`attestd_ledger_operations_total{code="NONCE_ALREADY_USED",operation="attest"} 1`,
		`attestd_ledger_operation_duration_seconds_count{operation="attest"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/attestations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for _, path := range []string{"/attestations/1", "/attestations/2", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := scrape(t, m)
	for _, want := range []string{
		`attestd_http_requests_total{code="404",handler="/attestations/{id}",method="GET"} 2`,
		`attestd_http_request_errors_total{handler="/boom",method="GET"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a, b := New(), New()
	a.ObserveOperation("contest", "OK", time.Millisecond)
	if strings.Contains(scrape(t, b), `operation="contest"`) {
		t.Fatal("metrics leaked between instances")
	}
}
