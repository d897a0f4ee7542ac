package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/jblocklove/calsync/internal/config"
)

func testMapping(srcAcct, tgtAcct string) config.Mapping {
	return config.Mapping{
		Source: config.EndpointRef{Account: srcAcct, Calendar: "Work"},
		Target: config.EndpointRef{Account: tgtAcct, Calendar: "Shared"},
		Mode:   config.ModeFull,
	}
}

func TestNew(t *testing.T) {
	sched := New(nil, nil, nil)

	if sched == nil {
		t.Fatal("expected non-nil scheduler")
	}
	if sched.jobs == nil {
		t.Error("expected jobs map to be initialized")
	}
	if sched.runLocks == nil {
		t.Error("expected runLocks map to be initialized")
	}
	if sched.ctx == nil {
		t.Error("expected context to be initialized")
	}
	if sched.cancel == nil {
		t.Error("expected cancel function to be initialized")
	}
}

func TestGetJobCount(t *testing.T) {
	sched := New(nil, nil, nil)

	if count := sched.GetJobCount(); count != 0 {
		t.Errorf("expected 0 jobs, got %d", count)
	}
}

func TestAddJob(t *testing.T) {
	sched := New(nil, nil, nil)
	m1 := testMapping("home", "office")
	m2 := testMapping("home2", "office2")

	sched.AddJob(m1, "*/5 * * * *")
	if count := sched.GetJobCount(); count != 1 {
		t.Errorf("expected 1 job, got %d", count)
	}

	sched.AddJob(m2, "0 * * * *")
	if count := sched.GetJobCount(); count != 2 {
		t.Errorf("expected 2 jobs, got %d", count)
	}

	// Re-adding the same mapping replaces rather than duplicates.
	sched.AddJob(m1, "0 0 * * *")
	if count := sched.GetJobCount(); count != 2 {
		t.Errorf("expected 2 jobs after replace, got %d", count)
	}

	sched.mu.RLock()
	job := sched.jobs[m1.Identity()]
	sched.mu.RUnlock()
	if job.cronExpr != "0 0 * * *" {
		t.Errorf("expected replaced cron expr, got %q", job.cronExpr)
	}
}

func TestRemoveJob(t *testing.T) {
	sched := New(nil, nil, nil)
	m := testMapping("home", "office")

	// Removing a job that was never added is safe.
	sched.RemoveJob(m.Identity())

	sched.AddJob(m, "*/5 * * * *")
	if count := sched.GetJobCount(); count != 1 {
		t.Fatalf("expected 1 job, got %d", count)
	}

	sched.RemoveJob(m.Identity())
	if count := sched.GetJobCount(); count != 0 {
		t.Errorf("expected 0 jobs after removal, got %d", count)
	}
}

func TestGetRunLock(t *testing.T) {
	sched := New(nil, nil, nil)

	lock1 := sched.getRunLock("mapping-a")
	lock2 := sched.getRunLock("mapping-a")
	if lock1 != lock2 {
		t.Error("expected same lock for same mapping identity")
	}

	lock3 := sched.getRunLock("mapping-b")
	if lock1 == lock3 {
		t.Error("expected different locks for different mapping identities")
	}
}

func TestStopIdempotent(t *testing.T) {
	sched := New(nil, nil, nil)

	// Stop without Start should be a no-op, safe to call repeatedly.
	sched.Stop()
	sched.Stop()
}

func TestStopClearsJobs(t *testing.T) {
	sched := New(nil, nil, nil)
	sched.AddJob(testMapping("home", "office"), "*/5 * * * *")

	sched.mu.Lock()
	sched.started = true
	sched.mu.Unlock()

	sched.Stop()

	if count := sched.GetJobCount(); count != 0 {
		t.Errorf("expected 0 jobs after stop, got %d", count)
	}
	sched.mu.RLock()
	started := sched.started
	sched.mu.RUnlock()
	if started {
		t.Error("expected started to be false after stop")
	}
}

func TestConcurrentJobAccess(t *testing.T) {
	sched := New(nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m := testMapping(string(rune('a'+id)), "office")
			sched.AddJob(m, "*/5 * * * *")
		}(i)
	}
	wg.Wait()

	if count := sched.GetJobCount(); count != 10 {
		t.Errorf("expected 10 jobs, got %d", count)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m := testMapping(string(rune('a'+id)), "office")
			sched.RemoveJob(m.Identity())
		}(i)
	}
	wg.Wait()

	if count := sched.GetJobCount(); count != 0 {
		t.Errorf("expected 0 jobs after concurrent removal, got %d", count)
	}
}

func TestCheckDueJobsSkipsInvalidCron(t *testing.T) {
	sched := New(nil, nil, nil)
	m := testMapping("home", "office")
	sched.AddJob(m, "not a cron expression")

	// Should not panic even though the mapping has no valid backend or
	// orchestrator wired; an invalid cron expression is skipped before
	// any run is attempted.
	sched.checkDueJobs()

	if count := sched.GetJobCount(); count != 1 {
		t.Errorf("expected job to remain registered, got %d", count)
	}
}

func TestPollIntervalConstant(t *testing.T) {
	if pollInterval != 30*time.Second {
		t.Errorf("expected pollInterval 30s, got %v", pollInterval)
	}
}
