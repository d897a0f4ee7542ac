// Package reconcile is the pure decision engine (spec §2, §4.1-§4.3, §5):
// given a previous state and the current views of two calendars, it
// produces an action plan and the next state. It performs no I/O and
// depends on nothing but internal/calendar (for the view type) and
// internal/ical (for the three points raw bytes are touched, per spec
// §9) -- never a network or filesystem library.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jblocklove/calsync/internal/calendar"
	"github.com/jblocklove/calsync/internal/ical"
)

// ErrDuplicateUID is returned by ViewsByUID when a backend reports the
// same UID twice in one calendar view -- a backend fault per spec §3,
// and fatal for the whole mapping.
var ErrDuplicateUID = errors.New("duplicate uid within one calendar view")

// Side names which calendar an Action targets.
type Side int

const (
	SideA Side = iota
	SideB
)

func (s Side) String() string {
	if s == SideA {
		return "A"
	}
	return "B"
}

// Action is one CRUD operation the Executor must apply to a backend.
type Action struct {
	UID    string
	Side   Side
	Handle string // existing event handle; empty for Creates
	Raw    []byte // new raw iCalendar bytes; unused for Deletes
}

// ActionPlan groups actions in the order the Executor must apply them
// (spec §4.4): deletes on A, then deletes on B, then creates, then
// updates.
type ActionPlan struct {
	DeletesA []Action
	DeletesB []Action
	Creates  []Action
	Updates  []Action
}

// IsEmpty reports whether the plan performs zero mutations, i.e. the
// mapping is already at a fixpoint (spec §8 property 1).
func (p *ActionPlan) IsEmpty() bool {
	return len(p.DeletesA) == 0 && len(p.DeletesB) == 0 && len(p.Creates) == 0 && len(p.Updates) == 0
}

// Counts returns the per-side size of this plan, for status reporting
// (internal/activity.Tracker.RecordPlan): creates and updates are
// split by the Side the action targets; deletes are already grouped
// by side.
func (p *ActionPlan) Counts() (createsA, createsB, updatesA, updatesB, deletesA, deletesB int) {
	for _, act := range p.Creates {
		if act.Side == SideA {
			createsA++
		} else {
			createsB++
		}
	}
	for _, act := range p.Updates {
		if act.Side == SideA {
			updatesA++
		} else {
			updatesB++
		}
	}
	return createsA, createsB, updatesA, updatesB, len(p.DeletesA), len(p.DeletesB)
}

// ViewsByUID indexes a calendar's fetched events by UID, rejecting a
// view with a duplicate UID (spec §3 invariant).
func ViewsByUID(views []calendar.EventView) (map[string]calendar.EventView, error) {
	out := make(map[string]calendar.EventView, len(views))
	for _, v := range views {
		if _, exists := out[v.UID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUID, v.UID)
		}
		out[v.UID] = v
	}
	return out, nil
}

// Full implements the FULL (two-way) reconciliation table of spec §4.1.
// prev is the uid->last_modified map from the previous run.
func Full(prev map[string]time.Time, a, b map[string]calendar.EventView) (*ActionPlan, map[string]time.Time) {
	plan := &ActionPlan{}
	next := map[string]time.Time{}

	for _, uid := range sortedUnionKeysFromViews(prev, a, b) {
		_, inP := prev[uid]
		va, inA := a[uid]
		vb, inB := b[uid]

		switch {
		case inP && inA && !inB:
			plan.DeletesA = append(plan.DeletesA, Action{UID: uid, Side: SideA, Handle: va.Handle})
		case inP && inB && !inA:
			plan.DeletesB = append(plan.DeletesB, Action{UID: uid, Side: SideB, Handle: vb.Handle})
		case !inP && inA && !inB:
			plan.Creates = append(plan.Creates, Action{UID: uid, Side: SideB, Raw: va.Raw})
			next[uid] = va.LastModified
		case !inP && inB && !inA:
			plan.Creates = append(plan.Creates, Action{UID: uid, Side: SideA, Raw: vb.Raw})
			next[uid] = vb.LastModified
		case inA && inB && va.LastModified.After(vb.LastModified):
			plan.Updates = append(plan.Updates, Action{UID: uid, Side: SideB, Handle: vb.Handle, Raw: va.Raw})
			next[uid] = va.LastModified
		case inA && inB && vb.LastModified.After(va.LastModified):
			plan.Updates = append(plan.Updates, Action{UID: uid, Side: SideA, Handle: va.Handle, Raw: vb.Raw})
			next[uid] = vb.LastModified
		case inA && inB:
			// equal timestamps: no change (spec §9 open question b)
			next[uid] = va.LastModified
		default:
			// absent from both prev and current views: drop
		}
	}

	return plan, next
}

// FullOneway implements the FULL_ONEWAY reconciliation of spec §4.3:
// replicate real (non-Busy) events from A to B, never deleting a B
// event this mapping did not itself create.
func FullOneway(prev map[string]time.Time, a, b map[string]calendar.EventView) (*ActionPlan, map[string]time.Time) {
	plan := &ActionPlan{}
	next := map[string]time.Time{}

	realA := make(map[string]calendar.EventView, len(a))
	for uid, v := range a {
		if v.IsBusy() {
			continue
		}
		realA[uid] = v
	}

	for _, uid := range sortedUnionKeysFromViews(prev, realA, b) {
		_, inP := prev[uid]
		va, inA := realA[uid]
		vb, inB := b[uid]

		switch {
		case inP && !inA && inB:
			plan.DeletesB = append(plan.DeletesB, Action{UID: uid, Side: SideB, Handle: vb.Handle})
		case inA && !inB:
			plan.Creates = append(plan.Creates, Action{UID: uid, Side: SideB, Raw: va.Raw})
			next[uid] = va.LastModified
		case inA && inB && va.LastModified.After(vb.LastModified):
			plan.Updates = append(plan.Updates, Action{UID: uid, Side: SideB, Handle: vb.Handle, Raw: va.Raw})
			next[uid] = va.LastModified
		case inA && inB:
			next[uid] = vb.LastModified
		case inB && !inA && !inP:
			// leave untouched, do not record (spec §4.3 key asymmetry)
		default:
			// gone from both: drop
		}
	}

	return plan, next
}

// sortedUnionKeysFromViews returns the sorted union of the keys of a
// time.Time map and two EventView maps, keeping iteration order
// deterministic.
func sortedUnionKeysFromViews(prev map[string]time.Time, a, b map[string]calendar.EventView) []string {
	seen := map[string]struct{}{}
	for k := range prev {
		seen[k] = struct{}{}
	}
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BusyPrev is the in-memory form of a BUSY-mode state file (spec §3).
type BusyPrev struct {
	Synced     map[string]time.Time
	BusyUIDs   map[string]struct{}
	Tombstones map[string]time.Time
	RealUIDs   map[string]struct{}
}

// BusyNext is the state BUSY reconciliation persists for next run.
type BusyNext struct {
	Synced     map[string]time.Time
	BusyUIDs   map[string]struct{}
	Tombstones map[string]time.Time
	RealUIDs   map[string]struct{}
}

func emptyBusyPrev() BusyPrev {
	return BusyPrev{
		Synced:     map[string]time.Time{},
		BusyUIDs:   map[string]struct{}{},
		Tombstones: map[string]time.Time{},
		RealUIDs:   map[string]struct{}{},
	}
}

// Busy implements the BUSY (one-way privacy mirror with feedback)
// reconciliation of spec §4.2, four passes in order.
func Busy(prev BusyPrev, a, b map[string]calendar.EventView, now time.Time) (*ActionPlan, BusyNext, error) {
	if prev.Synced == nil {
		prev = emptyBusyPrev()
	}

	plan := &ActionPlan{}

	realMeta := map[string]calendar.EventView{}
	busyMeta := map[string]calendar.EventView{}
	for uid, v := range b {
		if v.IsBusy() {
			busyMeta[uid] = v
		} else {
			realMeta[uid] = v
		}
	}
	realUIDsNow := make(map[string]struct{}, len(realMeta))
	for uid := range realMeta {
		realUIDsNow[uid] = struct{}{}
	}

	tombstones := map[string]time.Time{}
	for uid, t := range prev.Tombstones {
		tombstones[uid] = t
	}

	// effectiveA tracks A as mutated by passes 2 and 3, mirroring the
	// reference implementation popping entries it has already deleted.
	effectiveA := make(map[string]calendar.EventView, len(a))
	for uid, v := range a {
		effectiveA[uid] = v
	}

	// Pass 1: target-side deletion of real events.
	for uid := range prev.RealUIDs {
		if _, stillInA := a[uid]; stillInA {
			continue
		}
		if v, ok := realMeta[uid]; ok {
			plan.DeletesB = append(plan.DeletesB, Action{UID: uid, Side: SideB, Handle: v.Handle})
		}
		tombstones[uid] = now
	}

	// Pass 2: source-side deletion of real events.
	for uid := range prev.RealUIDs {
		if _, stillReal := realMeta[uid]; stillReal {
			continue
		}
		if v, ok := effectiveA[uid]; ok {
			plan.DeletesA = append(plan.DeletesA, Action{UID: uid, Side: SideA, Handle: v.Handle})
			delete(effectiveA, uid)
		}
		tombstones[uid] = now
	}

	// Pass 3: deleted Busy placeholders on B.
	for uid := range prev.BusyUIDs {
		if _, stillBusy := busyMeta[uid]; stillBusy {
			continue
		}
		if v, ok := effectiveA[uid]; ok {
			plan.DeletesA = append(plan.DeletesA, Action{UID: uid, Side: SideA, Handle: v.Handle})
			delete(effectiveA, uid)
		}
		tombstones[uid] = now
	}

	// Pass 4.
	newSynced := map[string]time.Time{}
	newBusy := map[string]struct{}{}

	seen := map[string]struct{}{}
	for uid := range prev.Synced {
		seen[uid] = struct{}{}
	}
	for uid := range effectiveA {
		seen[uid] = struct{}{}
	}
	for uid := range busyMeta {
		seen[uid] = struct{}{}
	}
	uids := make([]string, 0, len(seen))
	for uid := range seen {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		if _, isReal := realUIDsNow[uid]; isReal {
			continue
		}

		va, inA := effectiveA[uid]
		vb, inBusy := busyMeta[uid]
		_, inSyncedPrev := prev.Synced[uid]

		switch {
		case inSyncedPrev && !inA && inBusy:
			plan.DeletesB = append(plan.DeletesB, Action{UID: uid, Side: SideB, Handle: vb.Handle})
			delete(tombstones, uid)

		case inA && !inBusy:
			if _, tombstoned := tombstones[uid]; tombstoned {
				continue
			}
			raw, err := ical.BuildBusy(uid, va.DTStart, va.DTEnd, va.AllDay, now)
			if err != nil {
				return nil, BusyNext{}, fmt.Errorf("build busy placeholder for %s: %w", uid, err)
			}
			plan.Creates = append(plan.Creates, Action{UID: uid, Side: SideB, Raw: raw})
			newSynced[uid] = va.LastModified
			newBusy[uid] = struct{}{}

		case inA && inBusy:
			switch {
			case va.LastModified.After(vb.LastModified):
				raw, err := ical.BuildBusy(uid, va.DTStart, va.DTEnd, va.AllDay, now)
				if err != nil {
					return nil, BusyNext{}, fmt.Errorf("rebuild busy placeholder for %s: %w", uid, err)
				}
				plan.Updates = append(plan.Updates, Action{UID: uid, Side: SideB, Handle: vb.Handle, Raw: raw})
				newSynced[uid] = va.LastModified
			case vb.LastModified.After(va.LastModified):
				patched, err := ical.PatchTimes(va.Raw, vb.DTStart, vb.DTEnd, vb.AllDay)
				if err != nil {
					return nil, BusyNext{}, fmt.Errorf("patch source event %s from placeholder: %w", uid, err)
				}
				plan.Updates = append(plan.Updates, Action{UID: uid, Side: SideA, Handle: va.Handle, Raw: patched})
				newSynced[uid] = vb.LastModified
			default:
				newSynced[uid] = va.LastModified
			}
			newBusy[uid] = struct{}{}

		default:
			// fully gone from both sides: drop
		}
	}

	return plan, BusyNext{
		Synced:     newSynced,
		BusyUIDs:   newBusy,
		Tombstones: tombstones,
		RealUIDs:   realUIDsNow,
	}, nil
}
