// Package orchestrate implements the Orchestrator (spec §2, §4.6):
// iterate mappings, pair each with backends, invoke Reconciler+Executor,
// persist state.
package orchestrate

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/jblocklove/calsync/internal/calendar"
	"github.com/jblocklove/calsync/internal/config"
	"github.com/jblocklove/calsync/internal/execute"
	"github.com/jblocklove/calsync/internal/reconcile"
	"github.com/jblocklove/calsync/internal/state"
)

// Result summarizes the outcome of running one mapping.
type Result struct {
	Mapping config.Mapping
	Err     error
}

// PlanRecorder receives the size of a mapping's action plan so an
// optional activity-tracking surface (internal/activity.Tracker.RecordPlan)
// can report it at cmd/calsyncd's /status endpoint. FULL mode reports
// its plan just before executing it. BUSY mode runs two reconciler
// passes (the Busy pass and its companion FULL_ONEWAY feedback pass);
// their counts are summed into a single call made after both passes
// have run, and no call is made when the Busy pass itself fails.
type PlanRecorder func(mappingID string, createsA, createsB, updatesA, updatesB, deletesA, deletesB int)

// Orchestrator ties configuration, backends, the reconciler, and the
// state store together.
type Orchestrator struct {
	Backends map[string]calendar.Backend
	StateDir string
	// FailFast mirrors spec §4.6's default run policy: one mapping's
	// failure aborts the run. Set false to keep processing remaining
	// mappings after a failure (an explicit opt-in per spec §4.6).
	FailFast bool
	// Recorder is called with each run's action-plan size, if set.
	Recorder PlanRecorder
}

// planCounts accumulates an ActionPlan's per-side create/update/delete
// counts so BUSY mode can sum its two reconciler passes before
// reporting a single total to Recorder.
type planCounts struct {
	CreatesA, CreatesB int
	UpdatesA, UpdatesB int
	DeletesA, DeletesB int
}

func countsOf(plan *reconcile.ActionPlan) planCounts {
	ca, cb, ua, ub, da, db := plan.Counts()
	return planCounts{CreatesA: ca, CreatesB: cb, UpdatesA: ua, UpdatesB: ub, DeletesA: da, DeletesB: db}
}

func (c planCounts) plus(o planCounts) planCounts {
	return planCounts{
		CreatesA: c.CreatesA + o.CreatesA,
		CreatesB: c.CreatesB + o.CreatesB,
		UpdatesA: c.UpdatesA + o.UpdatesA,
		UpdatesB: c.UpdatesB + o.UpdatesB,
		DeletesA: c.DeletesA + o.DeletesA,
		DeletesB: c.DeletesB + o.DeletesB,
	}
}

func (o *Orchestrator) record(mappingID string, c planCounts) {
	if o.Recorder == nil {
		return
	}
	o.Recorder(mappingID, c.CreatesA, c.CreatesB, c.UpdatesA, c.UpdatesB, c.DeletesA, c.DeletesB)
}

// New builds an Orchestrator over resolved backends.
func New(backends map[string]calendar.Backend, stateDir string) *Orchestrator {
	return &Orchestrator{Backends: backends, StateDir: stateDir, FailFast: true}
}

// RunAll runs every mapping in order (spec §4.6: "mappings are
// processed sequentially"). It returns once all mappings have run, or
// immediately after the first failure when FailFast is set.
func (o *Orchestrator) RunAll(ctx context.Context, mappings []config.Mapping) []Result {
	results := make([]Result, 0, len(mappings))
	for _, m := range mappings {
		err := o.RunOne(ctx, m)
		results = append(results, Result{Mapping: m, Err: err})
		if err != nil {
			log.Printf("orchestrate: mapping %s failed: %v", m.Identity(), err)
			if o.FailFast {
				break
			}
		}
	}
	return results
}

// RunOne loads state, fetches both sides, reconciles, executes, and
// persists the next state for a single mapping (spec §2 control flow).
func (o *Orchestrator) RunOne(ctx context.Context, m config.Mapping) error {
	srcBackend, ok := o.Backends[m.Source.Account]
	if !ok {
		return fmt.Errorf("%w: %s", calendar.ErrUnknownAccount, m.Source.Account)
	}
	tgtBackend, ok := o.Backends[m.Target.Account]
	if !ok {
		return fmt.Errorf("%w: %s", calendar.ErrUnknownAccount, m.Target.Account)
	}

	srcCal, err := srcBackend.ResolveCalendar(ctx, m.Source.Calendar)
	if err != nil {
		return fmt.Errorf("resolve source calendar %s: %w", m.Source.Calendar, err)
	}
	tgtCal, err := tgtBackend.ResolveCalendar(ctx, m.Target.Calendar)
	if err != nil {
		return fmt.Errorf("resolve target calendar %s: %w", m.Target.Calendar, err)
	}

	switch m.Mode {
	case config.ModeFull:
		return o.runFull(ctx, m, srcBackend, tgtBackend, srcCal, tgtCal)
	case config.ModeBusy:
		return o.runBusy(ctx, m, srcBackend, tgtBackend, srcCal, tgtCal)
	default:
		return fmt.Errorf("unsupported mode %q", m.Mode)
	}
}

func (o *Orchestrator) runFull(ctx context.Context, m config.Mapping, src, tgt calendar.Backend, srcCal, tgtCal string) error {
	path := o.statePath(m.Source.Account, m.Source.Calendar, m.Target.Account, m.Target.Calendar, state.Full)

	prevState, err := state.LoadFull(path)
	if err != nil {
		return err
	}
	prev := map[string]time.Time{}
	if prevState != nil {
		prev = prevState.Entries
	}

	a, b, err := fetchBothSides(ctx, src, tgt, srcCal, tgtCal)
	if err != nil {
		return err
	}

	plan, next := reconcile.Full(prev, a, b)
	o.record(m.Identity(), countsOf(plan))

	exec := execute.New(src, tgt)
	if err := exec.Run(ctx, plan, srcCal, tgtCal); err != nil {
		return err
	}

	out := &state.FullState{Mode: state.Full, Entries: next}
	return state.Store(path, out)
}

func (o *Orchestrator) runBusy(ctx context.Context, m config.Mapping, src, tgt calendar.Backend, srcCal, tgtCal string) error {
	busyPath := o.statePath(m.Source.Account, m.Source.Calendar, m.Target.Account, m.Target.Calendar, state.Busy)
	onewayPath := o.statePath(m.Target.Account, m.Target.Calendar, m.Source.Account, m.Source.Calendar, state.FullOneway)

	prevBusy, err := state.LoadBusy(busyPath)
	if err != nil {
		return err
	}

	a, b, err := fetchBothSides(ctx, src, tgt, srcCal, tgtCal)
	if err != nil {
		return err
	}

	busyPrev := reconcile.BusyPrev{
		Synced:     map[string]time.Time{},
		BusyUIDs:   map[string]struct{}{},
		Tombstones: map[string]time.Time{},
		RealUIDs:   map[string]struct{}{},
	}
	if prevBusy != nil {
		busyPrev.Synced = prevBusy.Synced
		busyPrev.Tombstones = prevBusy.Tombstones
		busyPrev.BusyUIDs = toSet(prevBusy.BusyUIDs)
		busyPrev.RealUIDs = toSet(prevBusy.RealUIDs)
	}

	now := time.Now().UTC()
	plan, next, err := reconcile.Busy(busyPrev, a, b, now)
	if err != nil {
		return err
	}
	busyCounts := countsOf(plan)

	exec := execute.New(src, tgt)
	if err := exec.Run(ctx, plan, srcCal, tgtCal); err != nil {
		return err
	}

	busyOut := &state.BusyState{
		Mode:       state.Busy,
		Synced:     next.Synced,
		BusyUIDs:   fromSet(next.BusyUIDs),
		Tombstones: next.Tombstones,
		RealUIDs:   fromSet(next.RealUIDs),
	}
	if err := state.Store(busyPath, busyOut); err != nil {
		return err
	}

	// The companion FULL_ONEWAY pass replicates real (non-Busy) target
	// events back to the source, in the opposite direction (spec §4.3, §9).
	// Its counts are folded into the same mapping's reported total.
	onewayCounts, err := o.runFullOneway(ctx, onewayPath, tgt, src, tgtCal, srcCal)
	o.record(m.Identity(), busyCounts.plus(onewayCounts))
	return err
}

func (o *Orchestrator) runFullOneway(ctx context.Context, path string, src, tgt calendar.Backend, srcCal, tgtCal string) (planCounts, error) {
	prevState, err := state.LoadFullOneway(path)
	if err != nil {
		return planCounts{}, err
	}
	prev := map[string]time.Time{}
	if prevState != nil {
		prev = prevState.Entries
	}

	a, b, err := fetchBothSides(ctx, src, tgt, srcCal, tgtCal)
	if err != nil {
		return planCounts{}, err
	}

	plan, next := reconcile.FullOneway(prev, a, b)
	counts := countsOf(plan)

	exec := execute.New(src, tgt)
	if err := exec.Run(ctx, plan, srcCal, tgtCal); err != nil {
		return counts, err
	}

	out := &state.FullOnewayState{Mode: state.FullOneway, Entries: next}
	return counts, state.Store(path, out)
}

func fetchBothSides(ctx context.Context, src, tgt calendar.Backend, srcCal, tgtCal string) (map[string]calendar.EventView, map[string]calendar.EventView, error) {
	srcViews, err := src.FetchEvents(ctx, srcCal)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch source events: %w", err)
	}
	tgtViews, err := tgt.FetchEvents(ctx, tgtCal)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch target events: %w", err)
	}
	a, err := reconcile.ViewsByUID(srcViews)
	if err != nil {
		return nil, nil, fmt.Errorf("source view: %w", err)
	}
	b, err := reconcile.ViewsByUID(tgtViews)
	if err != nil {
		return nil, nil, fmt.Errorf("target view: %w", err)
	}
	return a, b, nil
}

// statePath derives a mapping's state file path from its identity,
// matching the {acct_src}__{cal_src}__{acct_tgt}__{cal_tgt}__{mode}
// naming convention of original_source/main.py, with a .yaml extension.
func (o *Orchestrator) statePath(acctSrc, calSrc, acctTgt, calTgt string, mode state.Mode) string {
	name := strings.Join([]string{sanitize(acctSrc), sanitize(calSrc), sanitize(acctTgt), sanitize(calTgt), string(mode)}, "__")
	return filepath.Join(o.StateDir, name+".yaml")
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(s)
}

func toSet(m map[string]bool) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k, v := range m {
		if v {
			out[k] = struct{}{}
		}
	}
	return out
}

func fromSet(m map[string]struct{}) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}
