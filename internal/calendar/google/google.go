// Package google is the placeholder Google Calendar backend (spec §6:
// "Google is a placeholder"). It satisfies calendar.Backend so an
// account of type "google" can be wired into a mapping, grounded on
// original_source/src/google_client.py -- itself a stub with every
// method body left unimplemented.
package google

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"github.com/jblocklove/calsync/internal/calendar"
)

// ErrNotImplemented marks every operation this placeholder cannot yet
// perform against the real Google Calendar API.
var ErrNotImplemented = errors.New("google: backend not implemented")

// Backend is the placeholder Google Calendar adapter. It holds a token
// source so a future implementation only needs to add the API calls.
type Backend struct {
	tokenSource oauth2.TokenSource
}

// New builds a placeholder backend holding the given OAuth2 token
// source; no method uses it.
func New(tokenSource oauth2.TokenSource) *Backend {
	return &Backend{tokenSource: tokenSource}
}

func (b *Backend) ListCalendars(_ context.Context) ([]calendar.Calendar, error) {
	return nil, ErrNotImplemented
}

func (b *Backend) ResolveCalendar(_ context.Context, _ string) (string, error) {
	return "", ErrNotImplemented
}

func (b *Backend) FetchEvents(_ context.Context, _ string) ([]calendar.EventView, error) {
	return nil, ErrNotImplemented
}

func (b *Backend) CreateEvent(_ context.Context, _ string, _ []byte) error {
	return ErrNotImplemented
}

func (b *Backend) UpdateEvent(_ context.Context, _, _ string, _ []byte) error {
	return ErrNotImplemented
}

func (b *Backend) DeleteEvent(_ context.Context, _, _ string) error {
	return ErrNotImplemented
}
