// Package janitor runs the periodic cleanup sweeps: expired sessions,
// stale pending confirmations, and idle rate-limit buckets. Expiry is
// still checked lazily on access; the sweeps only bound memory between
// accesses.
package janitor

import (
	"time"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/clawgram/internal/logging"
	. "github.com/roelfdiedericks/clawgram/internal/metrics"
	"github.com/roelfdiedericks/clawgram/internal/ratelimit"
	"github.com/roelfdiedericks/clawgram/internal/safety"
	"github.com/roelfdiedericks/clawgram/internal/session"
)

// SweepConfig sets sweep cadence and the idle window for rate buckets
type SweepConfig struct {
	Interval      time.Duration // between sweeps, default 1m
	BucketMaxIdle time.Duration // rate buckets idle longer are dropped
}

// Janitor owns the sweep scheduler
type Janitor struct {
	cron     *cronlib.Cron
	config   SweepConfig
	sessions *session.Store
	gate     *safety.Gate
	limiter  *ratelimit.Limiter
}

// New creates a janitor for the given stores
func New(cfg SweepConfig, sessions *session.Store, gate *safety.Gate, limiter *ratelimit.Limiter) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BucketMaxIdle <= 0 {
		cfg.BucketMaxIdle = 30 * time.Minute
	}
	return &Janitor{
		cron:     cronlib.New(),
		config:   cfg,
		sessions: sessions,
		gate:     gate,
		limiter:  limiter,
	}
}

// Start schedules the sweep and begins running it
func (j *Janitor) Start() error {
	spec := "@every " + j.config.Interval.String()
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return err
	}
	j.cron.Start()
	L_info("janitor: started", "interval", j.config.Interval)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	L_info("janitor: stopped")
}

// Sweep runs one cleanup pass immediately
func (j *Janitor) Sweep() {
	j.sweep()
}

func (j *Janitor) sweep() {
	start := time.Now()

	sessions := j.sessions.EvictExpired()
	confirmations := j.gate.Cleanup()
	buckets := j.limiter.TrimIdle(j.config.BucketMaxIdle)

	MetricAdd("janitor", "sessions_expired", int64(sessions))
	MetricAdd("janitor", "confirmations_expired", int64(confirmations))
	MetricAdd("janitor", "buckets_trimmed", int64(buckets))

	if sessions > 0 || confirmations > 0 || buckets > 0 {
		L_debug("janitor: sweep done",
			"sessions", sessions,
			"confirmations", confirmations,
			"buckets", buckets,
			"elapsed", time.Since(start))
	}
}
