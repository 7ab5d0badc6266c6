package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryRecordsToolCalls(t *testing.T) {
	r := New()
	r.ObserveToolCall("get_balance", "completed", 3)
	r.ObserveToolCall("get_balance", "failed", 1)

	if got := testutil.ToFloat64(r.toolCalls.WithLabelValues("get_balance", "completed")); got != 1 {
		t.Fatalf("unexpected completed count %v", got)
	}
	if got := testutil.ToFloat64(r.toolAttempts.WithLabelValues("get_balance")); got != 4 {
		t.Fatalf("unexpected attempts %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.ObserveHTTPRequest("/health", 200, 5*time.Millisecond)
	r.ObservePoll("block", "ok")
	r.SetClients(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`chainpulse_http_requests_total{route="/health",status="200"} 1`,
		`chainpulse_polls_total{kind="block",result="ok"} 1`,
		`chainpulse_ws_clients 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.ObserveTurn("done", time.Second)
	r.ObserveToolCall("x", "completed", 1)
	r.IncEvictions()
	r.IncDropped()
	if r.Handler() == nil || r.Gatherer() == nil {
		t.Fatalf("nil registry should still return handlers")
	}
}
