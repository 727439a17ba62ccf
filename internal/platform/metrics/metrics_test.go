package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Fatalf("Default() returned different instances")
	}
}

func TestInstrumentLabelsByPattern(t *testing.T) {
	m := Default()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /namespaces/{namespace}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := m.Instrument(mux)

	before := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "GET /namespaces/{namespace}", "204"))
	req := httptest.NewRequest(http.MethodGet, "/namespaces/ns1", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	after := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "GET /namespaces/{namespace}", "204"))
	if after-before != 1 {
		t.Fatalf("counter delta=%v, want 1", after-before)
	}
}
