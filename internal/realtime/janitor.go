package realtime

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"coide/internal/utils"
)

// Janitor periodically asks the router to evict idle rooms.
type Janitor struct {
	cron     *cron.Cron
	schedule string
	sweep    func()
	log      *utils.Logger
}

func NewJanitor(router *Router, schedule string, log *utils.Logger) *Janitor {
	return &Janitor{cron: cron.New(), schedule: schedule, sweep: router.Sweep, log: log}
}

// Start schedules the sweep and starts the cron scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.sweep); err != nil {
		return fmt.Errorf("failed to schedule eviction sweep: %w", err)
	}
	j.cron.Start()
	j.log.Info("eviction sweep scheduled", "schedule", j.schedule)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to return.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
