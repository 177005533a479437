// Package diag runs the optional diagnostics loop: heartbeat events, a
// status line, periodic recording dumps, and correlation-store sweeps. It
// exists to keep long-running recordings durable and debuggable; nothing
// depends on it for correctness.
package diag

import (
	"context"
	"time"

	"github.com/remmody/tlstap/config"
	"github.com/remmody/tlstap/log"
	"github.com/remmody/tlstap/tap"
)

type Loop struct {
	tap      *tap.Tap
	interval time.Duration
	ttl      time.Duration
}

func New(t *tap.Tap, cfg *config.Config) *Loop {
	return &Loop{
		tap:      t,
		interval: cfg.DiagInterval(),
		ttl:      cfg.CorrelationTTL(),
	}
}

// Run blocks until ctx is cancelled. Each tick does strictly bounded work
// and every failure is logged and swallowed.
func (l *Loop) Run(ctx context.Context) {
	log.Debugf("Diagnostics loop started (interval %s)", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("Diagnostics loop stopped")
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	l.tap.Heartbeat()

	evicted := l.tap.Store().Sweep(l.ttl)
	l.tap.Metrics().RecordSweep(evicted)
	l.tap.Metrics().SetStoreGauge(l.tap.Store().Len())

	log.Infof("Status - captures: %d, unresolved correlations: %d",
		l.tap.Metrics().Captures(), l.tap.Store().Len())

	if err := l.tap.Session().Dump(); err != nil {
		log.Errorf("Periodic dump failed: %v", err)
	}
}
