// Package ical is the only place in this repository that looks inside an
// iCalendar byte blob. Everywhere else, event payloads are carried as
// opaque raw bytes (see DESIGN.md, internal/ical entry).
package ical

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
)

var (
	ErrNoVEvent       = errors.New("no VEVENT found in calendar data")
	ErrNoTimestamp    = errors.New("event has neither LAST-MODIFIED nor DTSTAMP")
	ErrMalformed      = errors.New("malformed calendar content")
	ErrMissingDTStart = errors.New("event has no DTSTART")
)

// busyProdID marks Busy placeholders synthesized by this program, mirroring
// the "-//busy-sync//" marker the reference implementation stamps onto
// privacy-mirror placeholders.
const busyProdID = "-//busy-sync//"

// Metadata is the subset of an event's iCalendar properties the reconciler
// needs to make decisions.
type Metadata struct {
	UID          string
	LastModified time.Time
	Summary      string
	DTStart      time.Time
	DTEnd        time.Time
	AllDay       bool
}

// ExtractMetadata parses raw iCalendar bytes and returns the first VEVENT's
// metadata. LAST-MODIFIED is preferred; DTSTAMP is used only when
// LAST-MODIFIED is absent entirely (spec §6, §9(c)).
func ExtractMetadata(raw []byte) (Metadata, error) {
	cal, err := decode(raw)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return Metadata{}, ErrNoVEvent
	}
	evt := events[0]

	uid, err := evt.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return Metadata{}, fmt.Errorf("%w: missing UID", ErrMalformed)
	}

	lastMod, err := eventTimestamp(evt)
	if err != nil {
		return Metadata{}, err
	}

	summary, _ := evt.Props.Text(ical.PropSummary)

	start, startAllDay, err := propDateTime(evt.Props.Get(ical.PropDateTimeStart))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrMissingDTStart, err)
	}
	end, _, _ := propDateTime(evt.Props.Get(ical.PropDateTimeEnd))

	return Metadata{
		UID:          uid,
		LastModified: lastMod,
		Summary:      summary,
		DTStart:      start,
		DTEnd:        end,
		AllDay:       startAllDay,
	}, nil
}

// eventTimestamp returns LAST-MODIFIED, falling back to DTSTAMP.
func eventTimestamp(evt ical.Event) (time.Time, error) {
	if prop := evt.Props.Get(ical.PropLastModified); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			return t, nil
		}
	}
	if prop := evt.Props.Get(ical.PropDateTimeStamp); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrNoTimestamp
}

func propDateTime(prop *ical.Prop) (time.Time, bool, error) {
	if prop == nil {
		return time.Time{}, false, errors.New("property absent")
	}
	allDay := len(prop.Value) == 8 // YYYYMMDD, no time-of-day component
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, allDay, nil
}

// BuildBusy synthesizes a minimal Busy placeholder per spec §6: a
// VCALENDAR with one VEVENT, SUMMARY="Busy", DTSTAMP=now.
func BuildBusy(uid string, start, end time.Time, allDay bool, now time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, busyProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	evt := ical.NewEvent()
	evt.Props.SetText(ical.PropUID, uid)
	evt.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	setDateTimeProp(evt, ical.PropDateTimeStart, start, allDay)
	setDateTimeProp(evt, ical.PropDateTimeEnd, end, allDay)
	evt.Props.SetText(ical.PropSummary, "Busy")

	cal.Children = append(cal.Children, evt.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode busy placeholder: %w", err)
	}
	return buf.Bytes(), nil
}

func setDateTimeProp(evt *ical.Event, name string, t time.Time, allDay bool) {
	if allDay {
		prop := ical.NewProp(name)
		prop.Value = t.Format("20060102")
		prop.Params.Set("VALUE", "DATE")
		evt.Props.Set(prop)
		return
	}
	evt.Props.SetDateTime(name, t.UTC())
}

// PatchTimes rewrites only DTSTART/DTEND of the first VEVENT in raw,
// keeping every other property's value (spec §6, §9). The calendar is
// decoded and re-encoded, so the output bytes follow the encoder's
// formatting rather than the input's layout.
func PatchTimes(raw []byte, newStart, newEnd time.Time, allDay bool) ([]byte, error) {
	cal, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return nil, ErrNoVEvent
	}
	evt := events[0]
	setDateTimeProp(&evt, ical.PropDateTimeStart, newStart, allDay)
	setDateTimeProp(&evt, ical.PropDateTimeEnd, newEnd, allDay)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode patched event: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (*ical.Calendar, error) {
	dec := ical.NewDecoder(bytes.NewReader(raw))
	return dec.Decode()
}
