// Package caldav implements calendar.Backend against a real CalDAV
// server, grounded on the wire-level approach of
// MacJediWizard-calbridgesync's internal/caldav client: basic-auth
// transport, calendar-query REPORT with a PROPFIND fallback, and
// raw-bytes-preserving event objects.
package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"golang.org/x/time/rate"

	"github.com/jblocklove/calsync/internal/calendar"
	"github.com/jblocklove/calsync/internal/ical"
)

var (
	ErrConnectionFailed = errors.New("caldav: connection failed")
	ErrInvalidResponse  = errors.New("caldav: invalid server response")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Backend adapts one CalDAV account to calendar.Backend.
type Backend struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
	limiter      *rate.Limiter
}

// Option configures a Backend.
type Option func(*Backend)

// WithRateLimit caps outbound CalDAV requests per second; providers like
// iCloud and Fastmail throttle aggressively under a naive full-view
// reconciliation loop.
func WithRateLimit(rps float64, burst int) Option {
	return func(b *Backend) {
		b.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a CalDAV backend for one account.
func New(baseURL, username, password string, opts ...Option) (*Backend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create caldav client: %w", ErrConnectionFailed, err)
	}

	b := &Backend{
		baseURL:      baseURL,
		username:     username,
		password:     password,
		httpClient:   httpClient,
		caldavClient: caldavClient,
		limiter:      rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// ListCalendars discovers all calendars for the current user.
func (b *Backend) ListCalendars(ctx context.Context) ([]calendar.Calendar, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	principal, err := b.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: find principal: %w", ErrConnectionFailed, err)
	}
	homeSet, err := b.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: find home set: %w", ErrConnectionFailed, err)
	}
	cals, err := b.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: find calendars: %w", ErrConnectionFailed, err)
	}

	out := make([]calendar.Calendar, 0, len(cals))
	for _, c := range cals {
		out = append(out, calendar.Calendar{Name: c.Name, Handle: c.Path})
	}
	return out, nil
}

// ResolveCalendar returns the path of the calendar matching name.
func (b *Backend) ResolveCalendar(ctx context.Context, name string) (string, error) {
	cals, err := b.ListCalendars(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range cals {
		if c.Name == name {
			return c.Handle, nil
		}
	}
	return "", fmt.Errorf("%w: calendar %q", calendar.ErrNotFound, name)
}

// FetchEvents retrieves every event in calendarHandle, trying the
// standard calendar-query REPORT first and falling back to a PROPFIND
// listing plus per-event GET when the server rejects the query (mirrors
// the teacher client's getEventsViaQuery/getEventsViaPropfind split).
func (b *Backend) FetchEvents(ctx context.Context, calendarHandle string) ([]calendar.EventView, error) {
	events, err := b.fetchViaQuery(ctx, calendarHandle)
	if err == nil {
		return events, nil
	}
	log.Printf("caldav: calendar-query failed for %s, falling back to PROPFIND: %v", calendarHandle, err)
	return b.fetchViaPropfind(ctx, calendarHandle)
}

func (b *Backend) fetchViaQuery(ctx context.Context, calendarHandle string) ([]calendar.EventView, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{{Name: "VEVENT"}},
		},
	}
	objects, err := b.caldavClient.QueryCalendar(ctx, calendarHandle, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query calendar: %w", ErrConnectionFailed, err)
	}
	return b.objectsToViews(objects), nil
}

func (b *Backend) fetchViaPropfind(ctx context.Context, calendarHandle string) ([]calendar.EventView, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	fullURL := b.buildURL(calendarHandle)

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", fullURL, strings.NewReader(`<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
    <D:getcontenttype/>
  </D:prop>
</D:propfind>`))
	if err != nil {
		return nil, fmt.Errorf("create propfind request: %w", err)
	}
	req.SetBasicAuth(b.username, b.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read propfind response: %w", err)
	}

	paths := parseEventPaths(body, calendarHandle)

	events := make([]calendar.EventView, 0, len(paths))
	for _, path := range paths {
		if err := b.wait(ctx); err != nil {
			return nil, err
		}
		obj, err := b.caldavClient.GetCalendarObject(ctx, path)
		if err != nil {
			log.Printf("caldav: failed to fetch event %s: %v", path, err)
			continue
		}
		view, ok := b.objectToView(obj)
		if !ok {
			continue
		}
		events = append(events, view)
	}
	return events, nil
}

func (b *Backend) objectsToViews(objects []caldav.CalendarObject) []calendar.EventView {
	views := make([]calendar.EventView, 0, len(objects))
	for _, obj := range objects {
		if view, ok := b.objectToView(obj); ok {
			views = append(views, view)
		}
	}
	return views
}

func (b *Backend) objectToView(obj caldav.CalendarObject) (calendar.EventView, bool) {
	if obj.Data == nil {
		return calendar.EventView{}, false
	}
	raw := encodeCalendar(obj.Data)
	if len(raw) == 0 {
		return calendar.EventView{}, false
	}
	meta, err := ical.ExtractMetadata(raw)
	if err != nil {
		log.Printf("caldav: skipping malformed event at %s: %v", obj.Path, err)
		return calendar.EventView{}, false
	}
	return calendar.EventView{
		UID:          meta.UID,
		LastModified: meta.LastModified,
		Summary:      meta.Summary,
		DTStart:      meta.DTStart,
		DTEnd:        meta.DTEnd,
		AllDay:       meta.AllDay,
		Handle:       obj.Path,
		Raw:          raw,
	}, true
}

// CreateEvent creates a new event from raw bytes, deriving its path from
// the UID embedded in raw.
func (b *Backend) CreateEvent(ctx context.Context, calendarHandle string, raw []byte) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	meta, err := ical.ExtractMetadata(raw)
	if err != nil {
		return fmt.Errorf("extract metadata for create: %w", err)
	}
	cal, err := decodeCalendar(raw)
	if err != nil {
		return fmt.Errorf("decode calendar for create: %w", err)
	}

	path := strings.TrimSuffix(calendarHandle, "/") + "/" + meta.UID + ".ics"

	_, err = b.caldavClient.PutCalendarObject(ctx, path, cal)
	if err != nil {
		if isDuplicateUID(err) {
			existingHandle, findErr := b.findHandleForUID(ctx, calendarHandle, meta.UID)
			if findErr != nil {
				return &calendar.DuplicateUIDError{UID: meta.UID}
			}
			return &calendar.DuplicateUIDError{UID: meta.UID, Handle: existingHandle}
		}
		return fmt.Errorf("%w: put event: %w", ErrConnectionFailed, err)
	}
	return nil
}

// findHandleForUID re-fetches a calendar to recover the handle of an
// existing event, used only when a duplicate-UID create needs a handle
// to fall back to update with.
func (b *Backend) findHandleForUID(ctx context.Context, calendarHandle, uid string) (string, error) {
	views, err := b.FetchEvents(ctx, calendarHandle)
	if err != nil {
		return "", err
	}
	for _, v := range views {
		if v.UID == uid {
			return v.Handle, nil
		}
	}
	return "", calendar.ErrNotFound
}

// UpdateEvent overwrites an existing event's content.
func (b *Backend) UpdateEvent(ctx context.Context, calendarHandle, eventHandle string, raw []byte) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	cal, err := decodeCalendar(raw)
	if err != nil {
		return fmt.Errorf("decode calendar for update: %w", err)
	}
	_, err = b.caldavClient.PutCalendarObject(ctx, eventHandle, cal)
	if err != nil {
		return fmt.Errorf("%w: put event: %w", ErrConnectionFailed, err)
	}
	return nil
}

// DeleteEvent removes an event by handle.
func (b *Backend) DeleteEvent(ctx context.Context, _, eventHandle string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if err := b.caldavClient.RemoveAll(ctx, eventHandle); err != nil {
		var httpErr *webdav.HTTPError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("%w: delete event: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (b *Backend) buildURL(path string) string {
	if path == "" {
		return b.baseURL
	}
	if strings.HasPrefix(path, "/") {
		if idx := strings.Index(b.baseURL, "://"); idx != -1 {
			rest := b.baseURL[idx+3:]
			if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
				return b.baseURL[:idx+3] + rest[:slashIdx] + path
			}
		}
		return strings.TrimSuffix(b.baseURL, "/") + path
	}
	return strings.TrimSuffix(b.baseURL, "/") + "/" + path
}

func parseEventPaths(body []byte, basePath string) []string {
	type propfindResponse struct {
		XMLName   xml.Name `xml:"DAV: multistatus"`
		Responses []struct {
			Href     string `xml:"href"`
			PropStat struct {
				Prop struct {
					ContentType string `xml:"getcontenttype"`
				} `xml:"prop"`
				Status string `xml:"status"`
			} `xml:"propstat"`
		} `xml:"response"`
	}

	var ms propfindResponse
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil
	}

	paths := make([]string, 0)
	for _, resp := range ms.Responses {
		if resp.Href == basePath || resp.Href+"/" == basePath || basePath+"/" == resp.Href {
			continue
		}
		if strings.HasSuffix(resp.Href, ".ics") || strings.Contains(resp.PropStat.Prop.ContentType, "calendar") {
			decoded, err := url.PathUnescape(resp.Href)
			if err != nil {
				decoded = resp.Href
			}
			paths = append(paths, decoded)
		}
	}
	return paths
}

func decodeCalendar(raw []byte) (*goical.Calendar, error) {
	return goical.NewDecoder(bytes.NewReader(raw)).Decode()
}

func encodeCalendar(cal *goical.Calendar) []byte {
	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil
	}
	return buf.Bytes()
}

// isDuplicateUID checks whether a PutCalendarObject error indicates a
// pre-existing resource, mirroring the teacher's string-matched malformed
// detection idiom for the signals go-webdav surfaces as plain errors.
func isDuplicateUID(err error) bool {
	var httpErr *webdav.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusPreconditionFailed || httpErr.Code == http.StatusConflict
	}
	errStr := err.Error()
	return strings.Contains(errStr, "412") || strings.Contains(errStr, "already exists")
}
