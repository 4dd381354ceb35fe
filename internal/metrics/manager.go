package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Manager is the global metrics registry. Metrics are keyed by
// "topic.name" paths, e.g. "bridge.execute" or "safety.blocked".
type Manager struct {
	mu       sync.RWMutex
	started  time.Time
	counters map[string]*CounterMetric
	timings  map[string]*TimingMetric
	outcomes map[string]*OutcomeMetric
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the singleton manager
func GetInstance() *Manager {
	once.Do(func() {
		instance = &Manager{
			started:  time.Now(),
			counters: make(map[string]*CounterMetric),
			timings:  make(map[string]*TimingMetric),
			outcomes: make(map[string]*OutcomeMetric),
		}
	})
	return instance
}

func buildPath(topic, name string) string {
	if topic == "" {
		return name
	}
	return topic + "." + name
}

func (m *Manager) counter(path string) *CounterMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[path]
	if !ok {
		c = &CounterMetric{}
		m.counters[path] = c
	}
	return c
}

func (m *Manager) timing(path string) *TimingMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timings[path]
	if !ok {
		t = &TimingMetric{samples: make([]time.Duration, 0, maxSamples)}
		m.timings[path] = t
	}
	return t
}

func (m *Manager) outcome(path string) *OutcomeMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[path]
	if !ok {
		o = &OutcomeMetric{Outcomes: make(map[string]int64)}
		m.outcomes[path] = o
	}
	return o
}

// AddCounter adds delta to a counter
func (m *Manager) AddCounter(topic, name string, delta int64) {
	c := m.counter(buildPath(topic, name))
	c.mu.Lock()
	c.Value += delta
	c.Last = time.Now()
	c.mu.Unlock()
}

// RecordDuration records one latency sample
func (m *Manager) RecordDuration(topic, name string, d time.Duration) {
	t := m.timing(buildPath(topic, name))
	t.mu.Lock()
	t.Count++
	t.Total += d
	t.Last = d
	if t.Min == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	if len(t.samples) < maxSamples {
		t.samples = append(t.samples, d)
	} else {
		t.samples[t.sampleIdx] = d
		t.sampleIdx = (t.sampleIdx + 1) % maxSamples
	}
	t.mu.Unlock()
}

// RecordOutcome counts one occurrence of a named outcome
func (m *Manager) RecordOutcome(topic, name, outcome string) {
	o := m.outcome(buildPath(topic, name))
	o.mu.Lock()
	o.Outcomes[outcome]++
	o.Total++
	o.mu.Unlock()
}

// Uptime reports how long the manager has been alive
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}

// GetSnapshot copies every metric into a serializable view
func (m *Manager) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		Uptime:   time.Since(m.started),
		Counters: make(map[string]int64, len(m.counters)),
		Timings:  make(map[string]*TimingSnapshot, len(m.timings)),
		Outcomes: make(map[string]map[string]int64, len(m.outcomes)),
	}

	for path, c := range m.counters {
		c.mu.RLock()
		snap.Counters[path] = c.Value
		c.mu.RUnlock()
	}

	for path, t := range m.timings {
		t.mu.RLock()
		ts := &TimingSnapshot{
			Count:  t.Count,
			MinMs:  float64(t.Min.Microseconds()) / 1000,
			MaxMs:  float64(t.Max.Microseconds()) / 1000,
			LastMs: float64(t.Last.Microseconds()) / 1000,
		}
		if t.Count > 0 {
			ts.AvgMs = float64(t.Total.Microseconds()) / float64(t.Count) / 1000
		}
		if len(t.samples) >= 10 {
			ts.P95Ms = calculatePercentile(t.samples, 95)
		}
		t.mu.RUnlock()
		snap.Timings[path] = ts
	}

	for path, o := range m.outcomes {
		o.mu.RLock()
		copied := make(map[string]int64, len(o.Outcomes))
		for k, v := range o.Outcomes {
			copied[k] = v
		}
		o.mu.RUnlock()
		snap.Outcomes[path] = copied
	}

	return snap
}

// Report renders the snapshot as a readable multi-line summary
func (m *Manager) Report() string {
	snap := m.GetSnapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", formatUptime(snap.Uptime))

	if len(snap.Counters) > 0 {
		b.WriteString("\nCounters:\n")
		for _, path := range sortedKeys(snap.Counters) {
			fmt.Fprintf(&b, "  %s: %d\n", path, snap.Counters[path])
		}
	}

	if len(snap.Timings) > 0 {
		b.WriteString("\nTimings:\n")
		for _, path := range sortedKeys(snap.Timings) {
			ts := snap.Timings[path]
			fmt.Fprintf(&b, "  %s: n=%d avg=%.0fms", path, ts.Count, ts.AvgMs)
			if ts.P95Ms > 0 {
				fmt.Fprintf(&b, " p95=%.0fms", ts.P95Ms)
			}
			fmt.Fprintf(&b, " max=%.0fms\n", ts.MaxMs)
		}
	}

	if len(snap.Outcomes) > 0 {
		b.WriteString("\nOutcomes:\n")
		for _, path := range sortedKeys(snap.Outcomes) {
			counts := snap.Outcomes[path]
			parts := make([]string, 0, len(counts))
			for _, k := range sortedKeys(counts) {
				parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
			}
			fmt.Fprintf(&b, "  %s: %s\n", path, strings.Join(parts, " "))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd%dh%dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dm%ds", minutes, int(d.Seconds())%60)
}

func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (percentile * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx].Microseconds()) / 1000
}
