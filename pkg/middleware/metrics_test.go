package middleware

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/strand-go/strand/pkg/server"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			if m.Counter != nil {
				total += m.GetCounter().GetValue()
			}
			if m.Gauge != nil {
				total += m.GetGauge().GetValue()
			}
			if m.Histogram != nil {
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	t.Fatalf("metric family %q not found", name)
	return 0
}

func TestPrometheus_CountsHandledRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := Prometheus(WithRegistry(reg), WithNamespace("test"))

	handler := mw(func(ctx *server.Context, respond server.ResponseFunc) {
		respond([]byte("ok"))
	})

	var body []byte
	for i := 0; i < 3; i++ {
		handler(&server.Context{Method: "GET", Path: "/x"}, func(b []byte) { body = b })
	}

	if string(body) != "ok" {
		t.Fatalf("response body = %q, middleware must pass it through", body)
	}
	if got := gatherFamily(t, reg, "test_requests_total"); got != 3 {
		t.Fatalf("requests_total = %v, want 3", got)
	}
	if got := gatherFamily(t, reg, "test_request_duration_seconds"); got != 3 {
		t.Fatalf("request_duration_seconds sample count = %v, want 3", got)
	}
	if got := gatherFamily(t, reg, "test_requests_in_flight"); got != 0 {
		t.Fatalf("requests_in_flight = %v, want 0 after responses", got)
	}
}

func TestPrometheus_InFlightWhileUnanswered(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := Prometheus(WithRegistry(reg), WithNamespace("test"))

	var pending server.ResponseFunc
	handler := mw(func(ctx *server.Context, respond server.ResponseFunc) {
		pending = respond // answer later
	})

	handler(&server.Context{Path: "/slow"}, func([]byte) {})
	if got := gatherFamily(t, reg, "test_requests_in_flight"); got != 1 {
		t.Fatalf("requests_in_flight = %v, want 1", got)
	}

	pending(nil)
	if got := gatherFamily(t, reg, "test_requests_in_flight"); got != 0 {
		t.Fatalf("requests_in_flight = %v, want 0", got)
	}
}

func TestPrometheus_StatusLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := Prometheus(WithRegistry(reg), WithNamespace("test"))

	handler := mw(func(ctx *server.Context, respond server.ResponseFunc) {
		ctx.SetStatus(503)
		respond(nil)
	})
	handler(&server.Context{Path: "/down"}, func([]byte) {})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() != "test_requests_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "status" && lp.GetValue() == "503" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("no requests_total sample labeled status=503")
	}
}
