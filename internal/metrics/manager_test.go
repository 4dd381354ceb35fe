package metrics

import (
	"strings"
	"testing"
	"time"
)

func newTestManager() *Manager {
	return &Manager{
		started:  time.Now(),
		counters: make(map[string]*CounterMetric),
		timings:  make(map[string]*TimingMetric),
		outcomes: make(map[string]*OutcomeMetric),
	}
}

func TestCounters(t *testing.T) {
	m := newTestManager()
	m.AddCounter("gateway", "messages", 1)
	m.AddCounter("gateway", "messages", 1)
	m.AddCounter("gateway", "errors", 5)

	snap := m.GetSnapshot()
	if snap.Counters["gateway.messages"] != 2 {
		t.Errorf("messages = %d, want 2", snap.Counters["gateway.messages"])
	}
	if snap.Counters["gateway.errors"] != 5 {
		t.Errorf("errors = %d, want 5", snap.Counters["gateway.errors"])
	}
}

func TestTimings(t *testing.T) {
	m := newTestManager()
	m.RecordDuration("bridge", "execute", 100*time.Millisecond)
	m.RecordDuration("bridge", "execute", 300*time.Millisecond)

	snap := m.GetSnapshot()
	ts := snap.Timings["bridge.execute"]
	if ts == nil {
		t.Fatal("no timing snapshot")
	}
	if ts.Count != 2 {
		t.Errorf("count = %d, want 2", ts.Count)
	}
	if ts.AvgMs < 199 || ts.AvgMs > 201 {
		t.Errorf("avg = %.2fms, want ~200ms", ts.AvgMs)
	}
	if ts.MinMs < 99 || ts.MinMs > 101 {
		t.Errorf("min = %.2fms, want ~100ms", ts.MinMs)
	}
	if ts.MaxMs < 299 || ts.MaxMs > 301 {
		t.Errorf("max = %.2fms, want ~300ms", ts.MaxMs)
	}
}

func TestTimingPercentile(t *testing.T) {
	m := newTestManager()
	for i := 1; i <= 100; i++ {
		m.RecordDuration("bridge", "execute", time.Duration(i)*time.Millisecond)
	}

	snap := m.GetSnapshot()
	ts := snap.Timings["bridge.execute"]
	if ts.P95Ms < 90 || ts.P95Ms > 100 {
		t.Errorf("p95 = %.2fms, want within [90, 100]", ts.P95Ms)
	}
}

func TestTimingRingBuffer(t *testing.T) {
	m := newTestManager()
	for i := 0; i < maxSamples*2; i++ {
		m.RecordDuration("bridge", "execute", time.Millisecond)
	}

	tm := m.timing("bridge.execute")
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if len(tm.samples) != maxSamples {
		t.Errorf("samples = %d, want capped at %d", len(tm.samples), maxSamples)
	}
	if tm.Count != int64(maxSamples*2) {
		t.Errorf("count = %d, want %d", tm.Count, maxSamples*2)
	}
}

func TestOutcomes(t *testing.T) {
	m := newTestManager()
	m.RecordOutcome("safety", "classify", "safe")
	m.RecordOutcome("safety", "classify", "safe")
	m.RecordOutcome("safety", "classify", "dangerous")

	snap := m.GetSnapshot()
	counts := snap.Outcomes["safety.classify"]
	if counts["safe"] != 2 || counts["dangerous"] != 1 {
		t.Errorf("outcomes = %v", counts)
	}
}

func TestReport(t *testing.T) {
	m := newTestManager()
	m.AddCounter("gateway", "messages", 7)
	m.RecordDuration("bridge", "execute", 250*time.Millisecond)
	m.RecordOutcome("safety", "classify", "critical")

	report := m.Report()
	for _, want := range []string{"Uptime:", "gateway.messages: 7", "bridge.execute: n=1", "critical=1"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := newTestManager()
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				m.AddCounter("t", "c", 1)
				m.RecordDuration("t", "d", time.Millisecond)
				m.RecordOutcome("t", "o", "x")
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	snap := m.GetSnapshot()
	if snap.Counters["t.c"] != 1000 {
		t.Errorf("counter = %d, want 1000", snap.Counters["t.c"])
	}
	if snap.Timings["t.d"].Count != 1000 {
		t.Errorf("timing count = %d, want 1000", snap.Timings["t.d"].Count)
	}
	if snap.Outcomes["t.o"]["x"] != 1000 {
		t.Errorf("outcome = %d, want 1000", snap.Outcomes["t.o"]["x"])
	}
}
