// Package schedule enqueues recurring jobs from cron specs. Scheduled
// enqueues go through the dispatcher's normal admission path, so an open
// circuit or a paused system drops the tick instead of bypassing the gates.
package schedule

import (
	"context"
	"encoding/json"

	"github.com/robfig/cron/v3"

	"github.com/admitq/admitq/pkg/dispatcher"
	"github.com/admitq/admitq/pkg/jobs"
	"github.com/admitq/admitq/pkg/logger"
)

// Scheduler owns the cron runner. Entries enqueue a fixed payload; each tick
// produces a fresh job with its own id.
type Scheduler struct {
	d    *dispatcher.Dispatcher
	cron *cron.Cron
}

// New creates a stopped scheduler around d.
func New(d *dispatcher.Dispatcher) *Scheduler {
	return &Scheduler{
		d:    d,
		cron: cron.New(cron.WithSeconds()),
	}
}

// Add registers spec to enqueue payload on queueName every tick. The spec
// uses the 6-field form with seconds (e.g. "0 0 * * * *"), plus descriptors
// like "@every 1m".
func (s *Scheduler) Add(spec, queueName string, payload json.RawMessage, opts jobs.Options) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		if _, err := s.d.Enqueue(context.Background(), queueName, payload, opts); err != nil {
			// Admission rejections here are expected under pressure; the
			// next tick tries again.
			logger.Log.Warn().Err(err).Str("queue", queueName).Str("spec", spec).Msg("Scheduled enqueue rejected")
			return
		}
		logger.Log.Info().Str("queue", queueName).Str("spec", spec).Msg("Scheduled job enqueued")
	})
}

// Remove deletes a registered entry.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Entries returns the registered entry ids.
func (s *Scheduler) Entries() []cron.EntryID {
	entries := s.cron.Entries()
	ids := make([]cron.EntryID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// Start begins firing entries in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler. Entries already firing run to completion.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
