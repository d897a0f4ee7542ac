// Package execute applies a reconcile.ActionPlan against two calendar
// backends (spec §4.4).
package execute

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jblocklove/calsync/internal/calendar"
	"github.com/jblocklove/calsync/internal/reconcile"
)

// Error wraps a backend failure with the uid and operation that caused
// it, per spec §7's propagation policy ("the Executor annotates with
// uid+operation").
type Error struct {
	UID string
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.UID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Executor applies action plans to a fixed pair of backends.
type Executor struct {
	A calendar.Backend
	B calendar.Backend
}

// New builds an Executor bound to the given backends for one mapping's
// two calendar endpoints.
func New(a, b calendar.Backend) *Executor {
	return &Executor{A: a, B: b}
}

func (x *Executor) backend(side reconcile.Side) calendar.Backend {
	if side == reconcile.SideA {
		return x.A
	}
	return x.B
}

// Run applies plan in the mandated order: deletes-A, deletes-B, creates,
// updates (spec §4.4). A duplicate-UID error on create is converted to
// an update against the reported handle; every other error aborts with
// the uid and operation attached, and the caller must not persist state.
func (x *Executor) Run(ctx context.Context, plan *reconcile.ActionPlan, calA, calB string) error {
	for _, a := range plan.DeletesA {
		if err := x.A.DeleteEvent(ctx, calA, a.Handle); err != nil {
			return &Error{UID: a.UID, Op: "delete-a", Err: err}
		}
	}
	for _, a := range plan.DeletesB {
		if err := x.B.DeleteEvent(ctx, calB, a.Handle); err != nil {
			return &Error{UID: a.UID, Op: "delete-b", Err: err}
		}
	}
	for _, a := range plan.Creates {
		calHandle := calB
		if a.Side == reconcile.SideA {
			calHandle = calA
		}
		if err := x.backend(a.Side).CreateEvent(ctx, calHandle, a.Raw); err != nil {
			var dup *calendar.DuplicateUIDError
			if errors.As(err, &dup) && dup.Handle != "" {
				log.Printf("execute: uid %s already exists on side %s, falling back to update", a.UID, a.Side)
				if err := x.backend(a.Side).UpdateEvent(ctx, calHandle, dup.Handle, a.Raw); err != nil {
					return &Error{UID: a.UID, Op: "create-fallback-update", Err: err}
				}
				continue
			}
			if errors.Is(err, calendar.ErrDuplicateUID) {
				return &Error{UID: a.UID, Op: "create", Err: fmt.Errorf("%w: backend gave no handle to recover via update", err)}
			}
			return &Error{UID: a.UID, Op: "create", Err: err}
		}
	}
	for _, a := range plan.Updates {
		calHandle := calB
		if a.Side == reconcile.SideA {
			calHandle = calA
		}
		if err := x.backend(a.Side).UpdateEvent(ctx, calHandle, a.Handle, a.Raw); err != nil {
			return &Error{UID: a.UID, Op: "update", Err: err}
		}
	}
	return nil
}
