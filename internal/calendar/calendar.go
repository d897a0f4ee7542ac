// Package calendar defines the contract a remote calendar backend must
// satisfy so the reconciler and executor never depend on a concrete
// wire protocol.
package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("calendar or event not found")
	ErrUnknownAccount = errors.New("unknown account")
	ErrDuplicateUID   = errors.New("event with this uid already exists")
	ErrConnection     = errors.New("backend connection failed")
)

// DuplicateUIDError wraps ErrDuplicateUID so CreateEvent callers can recover
// the colliding handle without a second round trip when the backend
// offers one.
type DuplicateUIDError struct {
	UID    string
	Handle string
}

func (e *DuplicateUIDError) Error() string {
	return "duplicate uid " + e.UID
}

func (e *DuplicateUIDError) Unwrap() error { return ErrDuplicateUID }

// Ref names one calendar belonging to one configured account.
type Ref struct {
	Account  string
	Calendar string
}

// EventView is the backend-agnostic projection of one calendar object,
// as produced by fetching a calendar and as consumed by the reconciler.
type EventView struct {
	UID          string
	LastModified time.Time
	Summary      string
	DTStart      time.Time
	DTEnd        time.Time
	// AllDay marks a date-only DTSTART/DTEND pair (no time-of-day component).
	AllDay bool
	// Handle is an opaque backend-specific reference required for a
	// subsequent Update or Delete call. Never interpreted by the reconciler.
	Handle string
	// Raw is the verbatim iCalendar payload for this event, preserved for
	// byte-faithful replication.
	Raw []byte
}

// IsBusy reports whether this is a "Busy" placeholder per the reserved
// sentinel summary.
func (e EventView) IsBusy() bool {
	return e.Summary == "Busy"
}

// Calendar describes one calendar discovered on a backend.
type Calendar struct {
	Name   string
	Handle string
}

// Backend adapts one remote calendar service (CalDAV, Google, ...) to a
// single contract the reconciler and executor can drive without knowing
// the wire protocol underneath.
type Backend interface {
	// ListCalendars enumerates calendars visible to this account.
	ListCalendars(ctx context.Context) ([]Calendar, error)

	// ResolveCalendar returns the opaque handle for a named calendar.
	// Returns ErrNotFound if no calendar with that name exists.
	ResolveCalendar(ctx context.Context, name string) (string, error)

	// FetchEvents returns every event currently in the given calendar.
	// A UID appearing twice in the result is a backend fault; callers
	// must abort the mapping rather than silently pick one.
	FetchEvents(ctx context.Context, calendarHandle string) ([]EventView, error)

	// CreateEvent creates a new event from raw iCalendar bytes. If an
	// event with the same UID already exists, it returns a
	// *DuplicateUIDError wrapping ErrDuplicateUID instead of creating
	// a second copy.
	CreateEvent(ctx context.Context, calendarHandle string, raw []byte) error

	// UpdateEvent replaces the content behind an existing event handle.
	UpdateEvent(ctx context.Context, calendarHandle, eventHandle string, raw []byte) error

	// DeleteEvent removes an event by handle. Deleting an already-gone
	// event is not an error.
	DeleteEvent(ctx context.Context, calendarHandle, eventHandle string) error
}
