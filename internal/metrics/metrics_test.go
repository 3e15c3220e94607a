package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/flowpbx/callctl/internal/message"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeStats struct{ s callcontrol.Stats }

func (f fakeStats) Stats() callcontrol.Stats { return f.s }

type fakeCDRs struct {
	counts map[string]int64
	err    error
}

func (f fakeCDRs) CountByReason(context.Context) (map[string]int64, error) {
	return f.counts, f.err
}

type fakeClients int

func (f fakeClients) ClientCount() int { return int(f) }

func gather(t *testing.T, c *Collector) map[string][]*dto.Metric {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string][]*dto.Metric)
	for _, f := range families {
		out[f.GetName()] = f.GetMetric()
	}
	return out
}

func value(m *dto.Metric) float64 {
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	return m.GetCounter().GetValue()
}

func label(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestCollector(t *testing.T) {
	stats := fakeStats{callcontrol.Stats{
		ActiveCalls:   3,
		QueueDepth:    2,
		QueueCapacity: 64,
		Dropped:       5,
		Cleared: map[message.Reason]uint64{
			message.ReasonNormal: 7,
			message.ReasonBusy:   1,
		},
		Registrations: map[string]message.RegistrationState{
			"pbx.example.com": message.RegistrationRetrying,
		},
	}}
	cdrs := fakeCDRs{counts: map[string]int64{"Normal": 10}}
	c := NewCollector(stats, cdrs, fakeClients(2), time.Now().Add(-time.Minute))

	got := gather(t, c)

	single := map[string]float64{
		"callctl_active_calls":        3,
		"callctl_queue_depth":         2,
		"callctl_queue_capacity":      64,
		"callctl_queue_dropped_total": 5,
		"callctl_event_feed_clients":  2,
	}
	for name, want := range single {
		ms := got[name]
		if len(ms) != 1 {
			t.Errorf("%s: %d metrics, want 1", name, len(ms))
			continue
		}
		if v := value(ms[0]); v != want {
			t.Errorf("%s = %v, want %v", name, v, want)
		}
	}

	cleared := make(map[string]float64)
	for _, m := range got["callctl_calls_cleared_total"] {
		cleared[label(m, "reason")] = value(m)
	}
	if cleared[message.ReasonNormal.String()] != 7 || cleared[message.ReasonBusy.String()] != 1 {
		t.Errorf("cleared = %v", cleared)
	}

	regs := got["callctl_registration_state"]
	if len(regs) != 1 || label(regs[0], "registrar") != "pbx.example.com" || label(regs[0], "state") != "Retrying" || value(regs[0]) != 1 {
		t.Errorf("registrations = %v", regs)
	}

	records := got["callctl_cdr_records"]
	if len(records) != 1 || label(records[0], "reason") != "Normal" || value(records[0]) != 10 {
		t.Errorf("cdr records = %v", records)
	}

	if up := got["callctl_uptime_seconds"]; len(up) != 1 || value(up[0]) < 60 {
		t.Errorf("uptime = %v", up)
	}
}

func TestCollectorOptionalProviders(t *testing.T) {
	c := NewCollector(fakeStats{callcontrol.Stats{}}, fakeCDRs{err: errors.New("db closed")}, nil, time.Now())

	got := gather(t, c)
	if _, ok := got["callctl_cdr_records"]; ok {
		t.Error("cdr metric emitted despite store error")
	}
	if _, ok := got["callctl_event_feed_clients"]; ok {
		t.Error("client metric emitted without a provider")
	}
	if _, ok := got["callctl_active_calls"]; !ok {
		t.Error("active calls metric missing")
	}
}
