// Package activity tracks the run status of each configured mapping,
// for the optional statusd surface. Re-keyed from the teacher's
// per-source tracker to mapping identity, with progress counters
// generalized to action-plan terms (creates/updates/deletes per side).
package activity

import (
	"sync"
	"time"
)

// Run represents the current or most recent state of one mapping's run.
type Run struct {
	Mapping      string     `json:"mapping"`
	Status       string     `json:"status"` // "running", "completed", "error"
	CreatesA     int        `json:"creates_a"`
	CreatesB     int        `json:"creates_b"`
	UpdatesA     int        `json:"updates_a"`
	UpdatesB     int        `json:"updates_b"`
	DeletesA     int        `json:"deletes_a"`
	DeletesB     int        `json:"deletes_b"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Duration     string     `json:"duration,omitempty"`
	Message      string     `json:"message,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Tracker tracks run activity across all configured mappings.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*Run // mapping identity -> run
	recent         []*Run          // recently completed runs, most recent first
	maxRecentRuns  int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:        make(map[string]*Run),
		recent:        make([]*Run, 0),
		maxRecentRuns: 20,
	}
}

// StartRun begins tracking a new mapping run.
func (t *Tracker) StartRun(mapping string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[mapping] = &Run{
		Mapping:   mapping,
		Status:    "running",
		StartedAt: time.Now(),
	}
}

// RecordPlan records the size of the action plan of a mapping's current
// run, in terms of creates/updates/deletes per side.
func (t *Tracker) RecordPlan(mapping string, createsA, createsB, updatesA, updatesB, deletesA, deletesB int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if run, exists := t.active[mapping]; exists {
		run.CreatesA = createsA
		run.CreatesB = createsB
		run.UpdatesA = updatesA
		run.UpdatesB = updatesB
		run.DeletesA = deletesA
		run.DeletesB = deletesB
	}
}

// FinishRun marks a mapping's run as completed and moves it to recent.
func (t *Tracker) FinishRun(mapping string, runErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, exists := t.active[mapping]
	if !exists {
		return
	}

	now := time.Now()
	run.CompletedAt = &now
	run.Duration = now.Sub(run.StartedAt).Round(time.Millisecond).String()

	if runErr != nil {
		run.Status = "error"
		run.Error = runErr.Error()
	} else {
		run.Status = "completed"
	}

	t.recent = append([]*Run{run}, t.recent...)
	if len(t.recent) > t.maxRecentRuns {
		t.recent = t.recent[:t.maxRecentRuns]
	}

	delete(t.active, mapping)
}

// GetActive returns all currently running mappings.
func (t *Tracker) GetActive() []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Run, 0, len(t.active))
	for _, run := range t.active {
		cp := *run
		cp.Duration = time.Since(run.StartedAt).Round(time.Millisecond).String()
		result = append(result, &cp)
	}
	return result
}

// GetRecent returns recently completed runs, most recent first.
func (t *Tracker) GetRecent() []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Run, len(t.recent))
	for i, run := range t.recent {
		cp := *run
		result[i] = &cp
	}
	return result
}

// GetAll returns both active and recent runs, for JSON serving.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsRunning reports whether the given mapping is currently running.
func (t *Tracker) IsRunning(mapping string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[mapping]
	return exists
}
