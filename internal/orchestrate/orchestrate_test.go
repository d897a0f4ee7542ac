package orchestrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jblocklove/calsync/internal/calendar"
	"github.com/jblocklove/calsync/internal/config"
	"github.com/jblocklove/calsync/internal/ical"
)

// memBackend is a minimal in-memory calendar.Backend keyed by UID, used
// to exercise the Orchestrator without any network I/O.
type memBackend struct {
	calendars map[string]string // name -> handle
	events    map[string]calendar.EventView
	fetchErr  error
}

func newMemBackend(calName string) *memBackend {
	return &memBackend{
		calendars: map[string]string{calName: calName},
		events:    map[string]calendar.EventView{},
	}
}

func (b *memBackend) ListCalendars(ctx context.Context) ([]calendar.Calendar, error) {
	out := make([]calendar.Calendar, 0, len(b.calendars))
	for name, handle := range b.calendars {
		out = append(out, calendar.Calendar{Name: name, Handle: handle})
	}
	return out, nil
}

func (b *memBackend) ResolveCalendar(ctx context.Context, name string) (string, error) {
	if h, ok := b.calendars[name]; ok {
		return h, nil
	}
	return "", calendar.ErrNotFound
}

func (b *memBackend) FetchEvents(ctx context.Context, calendarHandle string) ([]calendar.EventView, error) {
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	out := make([]calendar.EventView, 0, len(b.events))
	for _, v := range b.events {
		out = append(out, v)
	}
	return out, nil
}

func (b *memBackend) CreateEvent(ctx context.Context, calendarHandle string, raw []byte) error {
	meta, err := ical.ExtractMetadata(raw)
	if err != nil {
		return err
	}
	if _, exists := b.events[meta.UID]; exists {
		return &calendar.DuplicateUIDError{UID: meta.UID, Handle: meta.UID}
	}
	b.events[meta.UID] = calendar.EventView{
		UID: meta.UID, LastModified: meta.LastModified, Summary: meta.Summary,
		DTStart: meta.DTStart, DTEnd: meta.DTEnd, AllDay: meta.AllDay,
		Handle: meta.UID, Raw: raw,
	}
	return nil
}

func (b *memBackend) UpdateEvent(ctx context.Context, calendarHandle, eventHandle string, raw []byte) error {
	meta, err := ical.ExtractMetadata(raw)
	if err != nil {
		return err
	}
	if _, exists := b.events[eventHandle]; !exists {
		return calendar.ErrNotFound
	}
	b.events[eventHandle] = calendar.EventView{
		UID: meta.UID, LastModified: meta.LastModified, Summary: meta.Summary,
		DTStart: meta.DTStart, DTEnd: meta.DTEnd, AllDay: meta.AllDay,
		Handle: eventHandle, Raw: raw,
	}
	return nil
}

func (b *memBackend) DeleteEvent(ctx context.Context, calendarHandle, eventHandle string) error {
	delete(b.events, eventHandle)
	return nil
}

func rawEvent(t *testing.T, uid, summary string, lastMod time.Time) []byte {
	t.Helper()
	raw := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"DTSTAMP:20260101T000000Z\r\n" +
		"LAST-MODIFIED:" + lastMod.Format("20060102T150405Z") + "\r\n" +
		"DTSTART:20260120T090000Z\r\n" +
		"DTEND:20260120T100000Z\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	return []byte(raw)
}

func testOnewayMapping(mode config.Mode) config.Mapping {
	return config.Mapping{
		Source: config.EndpointRef{Account: "home", Calendar: "Personal"},
		Target: config.EndpointRef{Account: "office", Calendar: "Shared"},
		Mode:   mode,
	}
}

func TestRunOneFullReplicatesSourceEventAndPersistsState(t *testing.T) {
	stateDir := t.TempDir()
	src := newMemBackend("Personal")
	tgt := newMemBackend("Shared")
	lastMod := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src.events["u1"] = calendar.EventView{UID: "u1", LastModified: lastMod, Handle: "u1", Raw: rawEvent(t, "u1", "Standup", lastMod)}

	orch := New(map[string]calendar.Backend{"home": src, "office": tgt}, stateDir)

	if err := orch.RunOne(context.Background(), testOnewayMapping(config.ModeFull)); err != nil {
		t.Fatalf("RunOne: %v", err)
	}

	if _, ok := tgt.events["u1"]; !ok {
		t.Fatal("expected u1 replicated to target")
	}

	path := orch.statePath("home", "Personal", "office", "Shared", "full")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected state file at %s: %v", path, err)
	}
}

func TestRunOneUnknownSourceAccount(t *testing.T) {
	stateDir := t.TempDir()
	tgt := newMemBackend("Shared")
	orch := New(map[string]calendar.Backend{"office": tgt}, stateDir)

	err := orch.RunOne(context.Background(), testOnewayMapping(config.ModeFull))
	if !errors.Is(err, calendar.ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestRunOneBusyWritesCompanionFullOnewayState(t *testing.T) {
	stateDir := t.TempDir()
	src := newMemBackend("Personal")
	tgt := newMemBackend("Shared")
	lastMod := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src.events["u1"] = calendar.EventView{UID: "u1", LastModified: lastMod, Handle: "u1", Raw: rawEvent(t, "u1", "Standup", lastMod)}

	orch := New(map[string]calendar.Backend{"home": src, "office": tgt}, stateDir)

	if err := orch.RunOne(context.Background(), testOnewayMapping(config.ModeBusy)); err != nil {
		t.Fatalf("RunOne: %v", err)
	}

	busyPath := orch.statePath("home", "Personal", "office", "Shared", "busy")
	if _, err := os.Stat(busyPath); err != nil {
		t.Errorf("expected busy state file: %v", err)
	}
	onewayPath := orch.statePath("office", "Shared", "home", "Personal", "full_oneway")
	if _, err := os.Stat(onewayPath); err != nil {
		t.Errorf("expected companion full_oneway state file: %v", err)
	}

	// Target should have received a Busy placeholder for u1.
	found := false
	for _, v := range tgt.events {
		if v.IsBusy() {
			found = true
		}
	}
	if !found {
		t.Error("expected a Busy placeholder created on the target")
	}
}

func TestRunOneFullRecordsPlanCounts(t *testing.T) {
	stateDir := t.TempDir()
	src := newMemBackend("Personal")
	tgt := newMemBackend("Shared")
	lastMod := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src.events["u1"] = calendar.EventView{UID: "u1", LastModified: lastMod, Handle: "u1", Raw: rawEvent(t, "u1", "Standup", lastMod)}

	orch := New(map[string]calendar.Backend{"home": src, "office": tgt}, stateDir)

	var gotMapping string
	var gotCreatesA, gotCreatesB, gotUpdatesA, gotUpdatesB, gotDeletesA, gotDeletesB int
	calls := 0
	orch.Recorder = func(mapping string, createsA, createsB, updatesA, updatesB, deletesA, deletesB int) {
		calls++
		gotMapping = mapping
		gotCreatesA, gotCreatesB = createsA, createsB
		gotUpdatesA, gotUpdatesB = updatesA, updatesB
		gotDeletesA, gotDeletesB = deletesA, deletesB
	}

	m := testOnewayMapping(config.ModeFull)
	if err := orch.RunOne(context.Background(), m); err != nil {
		t.Fatalf("RunOne: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected Recorder called once, got %d calls", calls)
	}
	if gotMapping != m.Identity() {
		t.Errorf("Recorder mapping = %q, want %q", gotMapping, m.Identity())
	}
	// u1 only exists on the source: this is a create onto the target (side B).
	if gotCreatesA != 0 || gotCreatesB != 1 {
		t.Errorf("creates = (%d, %d), want (0, 1)", gotCreatesA, gotCreatesB)
	}
	if gotUpdatesA != 0 || gotUpdatesB != 0 || gotDeletesA != 0 || gotDeletesB != 0 {
		t.Errorf("expected no updates/deletes, got updates=(%d,%d) deletes=(%d,%d)", gotUpdatesA, gotUpdatesB, gotDeletesA, gotDeletesB)
	}
}

func TestRunOneBusySumsRecorderAcrossBothPasses(t *testing.T) {
	stateDir := t.TempDir()
	src := newMemBackend("Personal")
	tgt := newMemBackend("Shared")
	lastMod := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src.events["u1"] = calendar.EventView{UID: "u1", LastModified: lastMod, Handle: "u1", Raw: rawEvent(t, "u1", "Standup", lastMod)}

	orch := New(map[string]calendar.Backend{"home": src, "office": tgt}, stateDir)

	calls := 0
	var total int
	orch.Recorder = func(mapping string, createsA, createsB, updatesA, updatesB, deletesA, deletesB int) {
		calls++
		total = createsA + createsB + updatesA + updatesB + deletesA + deletesB
	}

	m := testOnewayMapping(config.ModeBusy)
	if err := orch.RunOne(context.Background(), m); err != nil {
		t.Fatalf("RunOne: %v", err)
	}

	// Exactly one combined call per mapping run, even though BUSY mode
	// internally runs the Busy pass plus a companion FULL_ONEWAY pass.
	if calls != 1 {
		t.Fatalf("expected Recorder called once for the whole busy run, got %d calls", calls)
	}
	if total == 0 {
		t.Error("expected a nonzero total across the busy and companion full_oneway passes")
	}
}

func TestRunAllFailFastStopsOnFirstError(t *testing.T) {
	stateDir := t.TempDir()
	tgt := newMemBackend("Shared")
	orch := New(map[string]calendar.Backend{"office": tgt}, stateDir)
	orch.FailFast = true

	mappings := []config.Mapping{
		testOnewayMapping(config.ModeFull), // fails: "home" account unknown
		testOnewayMapping(config.ModeFull),
	}

	results := orch.RunAll(context.Background(), mappings)
	if len(results) != 1 {
		t.Fatalf("expected to stop after first failure, got %d results", len(results))
	}
	if results[0].Err == nil {
		t.Error("expected first result to carry an error")
	}
}

func TestRunAllNoFailFastContinuesPastErrors(t *testing.T) {
	stateDir := t.TempDir()
	tgt := newMemBackend("Shared")
	orch := New(map[string]calendar.Backend{"office": tgt}, stateDir)
	orch.FailFast = false

	mappings := []config.Mapping{
		testOnewayMapping(config.ModeFull),
		testOnewayMapping(config.ModeFull),
	}

	results := orch.RunAll(context.Background(), mappings)
	if len(results) != 2 {
		t.Fatalf("expected both mappings attempted, got %d results", len(results))
	}
	for _, r := range results {
		if r.Err == nil {
			t.Error("expected every mapping to fail (unknown home account)")
		}
	}
}

func TestStatePathSanitizesSeparators(t *testing.T) {
	orch := New(nil, "/tmp/state")
	path := orch.statePath("home/acct", "Personal Cal", "office", "Shared", "full")
	want := filepath.Join("/tmp/state", "home_acct__Personal_Cal__office__Shared__full.yaml")
	if path != want {
		t.Errorf("statePath() = %q, want %q", path, want)
	}
}
