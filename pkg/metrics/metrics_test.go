package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /materials/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Middleware("metrics-test", mux)

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("metrics-test", "GET /materials/{id}", "418"))
	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/materials/"+id, nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("metrics-test", "GET /materials/{id}", "418"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests recorded under pattern label, got %v", after-before)
	}

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("metrics-test", "unmatched", "404")); got < 1 {
		t.Fatalf("expected unmatched route to be recorded")
	}
}

func TestRecordEngagement(t *testing.T) {
	before := testutil.ToFloat64(EngagementTotal.WithLabelValues("view", "false"))
	RecordEngagement("view", false)
	if got := testutil.ToFloat64(EngagementTotal.WithLabelValues("view", "false")) - before; got != 1 {
		t.Fatalf("expected one uncounted view, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	AutoHidesTotal.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "unetwork_auto_hides_total") {
		t.Fatalf("metrics output missing auto hide counter")
	}
}
