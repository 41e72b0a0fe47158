// SPDX-License-Identifier: GPL-3.0-or-later

// Package timer is the shared periodic-task service the delivery layer is
// driven by (SPEC_FULL.md §4.15 / spec §5 "a single shared timer service
// runs the periodic tasks"). A single Cron instance can host any number of
// independently-intervalled jobs; the layer registers its retransmit sweep
// and connection reaper on one.
package timer

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type job struct {
	task      func()
	interval  time.Duration
	nextEvent time.Time
}

// Cron manages a set of named, interval-driven jobs, ticking at its
// configured resolution and firing any job whose nextEvent has passed. The
// delivery layer's retransmit sweep runs on millisecond-scale intervals, so
// unlike a calendar cron this one's tick is caller-supplied rather than
// fixed at a second.
type Cron struct {
	tick  time.Duration
	jobs  map[string]*job
	mutex sync.Mutex

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewCron creates and starts an empty Cron that ticks every tick.
func NewCron(tick time.Duration) *Cron {
	if tick <= 0 {
		tick = time.Second
	}
	c := &Cron{
		tick:    tick,
		jobs:    make(map[string]*job),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Cron) loop() {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSyn:
			close(c.stopAck)
			return

		case t := <-ticker.C:
			c.fire(t)
		}
	}
}

func (c *Cron) fire(t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for name, j := range c.jobs {
		if j.nextEvent.After(t) {
			continue
		}

		j.nextEvent = j.nextEvent.Add(j.interval)
		go j.task()

		log.WithFields(log.Fields{
			"job":        name,
			"interval":   j.interval,
			"next_event": j.nextEvent,
		}).Debug("timer: fired job")
	}
}

// Register adds a new named job. interval must be at least one tick, since
// the Cron's resolution can't resolve anything finer.
func (c *Cron) Register(name string, task func(), interval time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.jobs[name]; exists {
		return fmt.Errorf("timer: job %q already registered", name)
	}
	if interval < c.tick {
		return fmt.Errorf("timer: interval %v shorter than cron tick %v", interval, c.tick)
	}

	c.jobs[name] = &job{
		task:      task,
		interval:  interval,
		nextEvent: time.Now().Add(interval),
	}
	return nil
}

// Unregister removes a named job, if present.
func (c *Cron) Unregister(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.jobs, name)
}

// Stop halts the Cron. Only allowed to be called once.
func (c *Cron) Stop() {
	close(c.stopSyn)
	<-c.stopAck
}
