package sshterminal

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically closes idle sessions on a cron schedule.
type Reaper struct {
	cron    *cron.Cron
	reg     *Registry
	timeout time.Duration
}

// NewReaper schedules idle cleanup for reg. schedule accepts standard cron
// expressions and descriptors such as "@every 1m".
func NewReaper(reg *Registry, schedule string, timeout time.Duration) (*Reaper, error) {
	rp := &Reaper{
		cron:    cron.New(),
		reg:     reg,
		timeout: timeout,
	}
	if _, err := rp.cron.AddFunc(schedule, rp.run); err != nil {
		return nil, fmt.Errorf("parse reap schedule %q: %w", schedule, err)
	}
	return rp, nil
}

func (rp *Reaper) Start() { rp.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (rp *Reaper) Stop() {
	<-rp.cron.Stop().Done()
}

func (rp *Reaper) run() {
	if n := rp.reg.CleanupIdle(rp.timeout); n > 0 {
		log.Printf("[session-mgr] reaped %d idle sessions (timeout %s)", n, rp.timeout)
	}
}
