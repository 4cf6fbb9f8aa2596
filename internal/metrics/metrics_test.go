package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_RecordsStatus(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/campaigns", "202"))

	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/campaigns", "202"))
	if after != before+1 {
		t.Errorf("expected counter to increment, before=%v after=%v", before, after)
	}
}

func TestRecordDispatchOutcome(t *testing.T) {
	before := testutil.ToFloat64(sendOutcomes.WithLabelValues("sent"))
	RecordDispatchOutcome("sent")
	after := testutil.ToFloat64(sendOutcomes.WithLabelValues("sent"))
	if after != before+1 {
		t.Errorf("expected sent counter to increment, before=%v after=%v", before, after)
	}
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(12, 3)
	if v := testutil.ToFloat64(queueWaiting); v != 12 {
		t.Errorf("waiting gauge = %v, want 12", v)
	}
	if v := testutil.ToFloat64(queueActive); v != 3 {
		t.Errorf("active gauge = %v, want 3", v)
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	RecordDispatchRetry()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
