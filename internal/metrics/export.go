package metrics

import "time"

// Global functions for dot-import usage

// MetricInc increments a counter by 1
func MetricInc(topic, name string) {
	GetInstance().AddCounter(topic, name, 1)
}

// MetricAdd adds a value to a counter
func MetricAdd(topic, name string, delta int64) {
	GetInstance().AddCounter(topic, name, delta)
}

// MetricDuration records a duration directly
func MetricDuration(topic, name string, duration time.Duration) {
	GetInstance().RecordDuration(topic, name, duration)
}

// MetricOutcome records a specific outcome
func MetricOutcome(topic, name, outcome string) {
	GetInstance().RecordOutcome(topic, name, outcome)
}

// MetricReport renders the current metrics as a readable summary
func MetricReport() string {
	return GetInstance().Report()
}
