// Package scheduler runs configured mappings on a cron recurrence for
// the optional daemon mode (calsyncd), layered on top of the run-once
// CLI surface. Adapted from the teacher's per-source Ticker scheduler:
// same Job/Start/Stop/poll-goroutine shape, but recurrence is now a
// cron expression evaluated with github.com/adhocore/gronx instead of
// a fixed interval, since mappings have no single "sync_interval"
// column to read from a database.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/jblocklove/calsync/internal/activity"
	"github.com/jblocklove/calsync/internal/config"
	"github.com/jblocklove/calsync/internal/notify"
	"github.com/jblocklove/calsync/internal/orchestrate"
)

const (
	pollInterval   = 30 * time.Second
	healthInterval = 5 * time.Minute
)

// Job is one mapping's scheduled recurrence.
type Job struct {
	mapping  config.Mapping
	cronExpr string

	lastRunMinute time.Time
	nextRunAt     time.Time
}

// Scheduler runs mapping jobs on their cron recurrence against a
// shared Orchestrator.
type Scheduler struct {
	orchestrator *orchestrate.Orchestrator
	notifier     *notify.Notifier
	tracker      *activity.Tracker
	gron         gronx.Gronx

	mu        sync.RWMutex
	jobs      map[string]*Job // keyed by mapping.Identity()
	runLocks  map[string]*sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a scheduler driving orchestrator runs for configured
// mappings, optionally alerting through notifier and tracking run
// status in tracker (either may be nil).
func New(orchestrator *orchestrate.Orchestrator, notifier *notify.Notifier, tracker *activity.Tracker) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		orchestrator: orchestrator,
		notifier:     notifier,
		tracker:      tracker,
		gron:         gronx.New(),
		jobs:         make(map[string]*Job),
		runLocks:     make(map[string]*sync.Mutex),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start registers a job for each mapping and begins the polling and
// health-logging goroutines. cronExprs maps a mapping identity to its
// cron recurrence; a mapping with no entry is not scheduled.
func (s *Scheduler) Start(mappings []config.Mapping, cronExprs map[string]string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	for _, m := range mappings {
		expr, ok := cronExprs[m.Identity()]
		if !ok {
			continue
		}
		s.AddJob(m, expr)
	}

	s.wg.Add(1)
	go s.pollRoutine()

	s.wg.Add(1)
	go s.healthLogRoutine()

	log.Printf("[scheduler] started with %d jobs", s.GetJobCount())
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	log.Println("[scheduler] stopped")
}

// AddJob adds or replaces the cron recurrence for a mapping.
func (s *Scheduler) AddJob(mapping config.Mapping, cronExpr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[mapping.Identity()] = &Job{mapping: mapping, cronExpr: cronExpr}
	log.Printf("[scheduler] added job for mapping %s with cron %q", mapping.Identity(), cronExpr)
}

// RemoveJob removes a mapping's scheduled recurrence.
func (s *Scheduler) RemoveJob(mappingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[mappingID]; exists {
		delete(s.jobs, mappingID)
		delete(s.runLocks, mappingID)
		log.Printf("[scheduler] removed job for mapping %s", mappingID)
	}

	if s.notifier != nil {
		s.notifier.ClearFailingState(mappingID)
	}
}

// TriggerRun manually triggers a mapping's run outside its recurrence.
func (s *Scheduler) TriggerRun(mapping config.Mapping) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeRun(mapping)
	}()
}

// GetJobCount returns the number of scheduled jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// pollRoutine checks every job's cron recurrence once per pollInterval.
// Cron expressions resolve to minute granularity, so jobs are guarded
// against firing twice within the same minute.
func (s *Scheduler) pollRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkDueJobs()
		}
	}
}

func (s *Scheduler) checkDueJobs() {
	now := time.Now()
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	due := make([]config.Mapping, 0)
	for id, job := range s.jobs {
		if job.lastRunMinute.Equal(minute) {
			continue
		}
		isDue, err := s.gron.IsDue(job.cronExpr, now)
		if err != nil {
			log.Printf("[scheduler] invalid cron expression for mapping %s: %v", id, err)
			continue
		}
		if isDue {
			job.lastRunMinute = minute
			due = append(due, job.mapping)
		}
	}
	s.mu.Unlock()

	for _, m := range due {
		s.wg.Add(1)
		go func(m config.Mapping) {
			defer s.wg.Done()
			s.executeRun(m)
		}(m)
	}
}

func (s *Scheduler) getRunLock(mappingID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.runLocks[mappingID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.runLocks[mappingID] = lock
	return lock
}

// executeRun runs one mapping, guarded against overlap with its own
// previous run.
func (s *Scheduler) executeRun(mapping config.Mapping) {
	id := mapping.Identity()
	lock := s.getRunLock(id)

	if !lock.TryLock() {
		log.Printf("[scheduler] skipping mapping %s - previous run still in progress", id)
		return
	}
	defer lock.Unlock()

	log.Printf("[scheduler] starting run for mapping %s", id)

	if s.tracker != nil {
		s.tracker.StartRun(id)
	}

	err := s.orchestrator.RunOne(s.ctx, mapping)

	if s.tracker != nil {
		s.tracker.FinishRun(id, err)
	}

	if err != nil {
		log.Printf("[scheduler] run failed for mapping %s: %v", id, err)
		if s.notifier != nil && s.notifier.IsEnabled() {
			s.notifier.SendFailure(s.ctx, id, err)
		}
		return
	}

	log.Printf("[scheduler] run completed for mapping %s", id)
	if s.notifier != nil && s.notifier.IsEnabled() {
		s.notifier.SendRecovery(s.ctx, id)
	}
}

// healthLogRoutine periodically logs scheduler health information.
func (s *Scheduler) healthLogRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			jobCount := len(s.jobs)
			s.mu.RUnlock()
			log.Printf("[scheduler] health: %d active jobs", jobCount)
		}
	}
}
