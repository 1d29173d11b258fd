package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Envelope("voice", "audio")
	m.Envelope("voice", "audio")
	m.Malformed("chat")
	m.BargeIn()
	m.SetCallState("ringing")

	if got := testutil.ToFloat64(m.envelopes.WithLabelValues("voice", "audio")); got != 2 {
		t.Fatalf("envelopes=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.callState.WithLabelValues("idle")); got != 0 {
		t.Fatalf("idle=%v, want 0", got)
	}
	if got := testutil.ToFloat64(m.callState.WithLabelValues("ringing")); got != 1 {
		t.Fatalf("ringing=%v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "concierge_barge_ins_total 1") {
		t.Fatalf("exposition missing barge-in counter")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Envelope("chat", "assistant")
	m.BargeIn()
	m.SetCallState("call")
}
