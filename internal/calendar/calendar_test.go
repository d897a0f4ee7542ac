package calendar

import (
	"errors"
	"testing"
)

func TestIsBusy(t *testing.T) {
	cases := []struct {
		summary string
		want    bool
	}{
		{"Busy", true},
		{"busy", false},
		{"Team Standup", false},
		{"", false},
	}
	for _, c := range cases {
		ev := EventView{Summary: c.summary}
		if got := ev.IsBusy(); got != c.want {
			t.Errorf("IsBusy(%q) = %v, want %v", c.summary, got, c.want)
		}
	}
}

func TestDuplicateUIDErrorUnwrap(t *testing.T) {
	err := &DuplicateUIDError{UID: "abc-123", Handle: "/cal/abc-123.ics"}

	if !errors.Is(err, ErrDuplicateUID) {
		t.Error("expected errors.Is to match ErrDuplicateUID")
	}

	var target *DuplicateUIDError
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to recover *DuplicateUIDError")
	}
	if target.Handle != "/cal/abc-123.ics" {
		t.Errorf("expected handle preserved, got %q", target.Handle)
	}
}

func TestDuplicateUIDErrorMessage(t *testing.T) {
	err := &DuplicateUIDError{UID: "xyz"}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}
