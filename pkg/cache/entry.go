package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"
)

var (
	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrNilEntry is returned when storing a nil entry
	ErrNilEntry = errors.New("cache entry cannot be nil")
)

// NoTTL passed to NewEntry records an entry without computed freshness.
const NoTTL time.Duration = -1

// CacheEntry is a stored response. Entries are never re-dated in place:
// a revalidated response becomes a new entry.
type CacheEntry struct {
	// StatusCode is the HTTP status code of the cached response
	StatusCode int

	// Header are the response headers
	Header http.Header

	// Body is the response body
	Body []byte

	// CreatedAt is when the entry was created
	CreatedAt time.Time

	// ExpiresAt is CreatedAt plus the freshness lifetime; nil when none was computed
	ExpiresAt *time.Time

	// ETag for conditional requests (If-None-Match)
	ETag *string

	// LastModified for conditional requests (If-Modified-Since), kept verbatim
	LastModified *string

	// StaleWhileRevalidate and StaleIfError are the grace windows announced by the origin
	StaleWhileRevalidate *time.Duration
	StaleIfError         *time.Duration

	// NoCache requires revalidation before every reuse
	NoCache bool

	// MustRevalidate forbids serving the entry once stale
	MustRevalidate bool

	// RetainUntil caps how long a store keeps the entry, regardless of freshness
	RetainUntil *time.Time
}

// NewEntry captures resp at now with the given freshness lifetime.
// A negative ttl (NoTTL) leaves ExpiresAt nil.
func NewEntry(resp *Response, ttl time.Duration, now time.Time) *CacheEntry {
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	entry := &CacheEntry{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       append([]byte(nil), resp.Body...),
		CreatedAt:  now,
	}
	if ttl >= 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}
	entry.ETag = headerPtr(header, "ETag")
	entry.LastModified = headerPtr(header, "Last-Modified")

	d := DirectivesFromHeader(header)
	if w, ok := d.StaleWhileRevalidate(); ok {
		entry.StaleWhileRevalidate = &w
	}
	if w, ok := d.StaleIfError(); ok {
		entry.StaleIfError = &w
	}
	entry.NoCache = d.NoCache()
	entry.MustRevalidate = d.MustRevalidate()

	return entry
}

func headerPtr(h http.Header, name string) *string {
	v := h.Get(name)
	if v == "" {
		return nil
	}
	return &v
}

// IsFresh reports whether the entry may be served without revalidation at now.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return e.ExpiresAt != nil && now.Before(*e.ExpiresAt)
}

// IsExpired is the negation of IsFresh; entries without ExpiresAt are always expired.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !e.IsFresh(now)
}

// Age returns how long ago the entry was created. Never negative.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	age := now.Sub(e.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// TTL returns the freshness lifetime the entry was created with.
func (e *CacheEntry) TTL() (time.Duration, bool) {
	if e.ExpiresAt == nil {
		return 0, false
	}
	return e.ExpiresAt.Sub(e.CreatedAt), true
}

// IsUsableAsStale reports whether an expired entry is within window of its expiry.
// Entries without ExpiresAt have no staleness reference and are never usable.
func (e *CacheEntry) IsUsableAsStale(now time.Time, window time.Duration) bool {
	if !e.IsExpired(now) || e.ExpiresAt == nil {
		return false
	}
	return now.Sub(*e.ExpiresAt) <= window
}

// HasValidators reports whether a conditional request can revalidate the entry.
func (e *CacheEntry) HasValidators() bool {
	return e.ETag != nil || e.LastModified != nil
}

// maxStaleWindow is the widest grace window recorded on the entry.
func (e *CacheEntry) maxStaleWindow() (time.Duration, bool) {
	var (
		w  time.Duration
		ok bool
	)
	for _, candidate := range []*time.Duration{e.StaleWhileRevalidate, e.StaleIfError} {
		if candidate != nil && (!ok || *candidate > w) {
			w, ok = *candidate, true
		}
	}
	return w, ok
}

// IsDead reports whether a store should stop returning the entry: its retention cap
// passed, or it is expired with no validator and outside every stale window.
func (e *CacheEntry) IsDead(now time.Time) bool {
	if e.RetainUntil != nil && !now.Before(*e.RetainUntil) {
		return true
	}
	if e.IsFresh(now) || e.HasValidators() {
		return false
	}
	if e.MustRevalidate {
		return true
	}
	w, ok := e.maxStaleWindow()
	if !ok {
		return true
	}
	return !e.IsUsableAsStale(now, w)
}

// deadline returns the instant after which the entry is dead, if it has one.
func (e *CacheEntry) deadline() (time.Time, bool) {
	var (
		at time.Time
		ok bool
	)
	if !e.HasValidators() {
		switch {
		case e.ExpiresAt == nil:
			at, ok = e.CreatedAt, true
		case e.MustRevalidate:
			at, ok = *e.ExpiresAt, true
		default:
			w, _ := e.maxStaleWindow()
			at, ok = e.ExpiresAt.Add(w), true
		}
	}
	if e.RetainUntil != nil && (!ok || e.RetainUntil.Before(at)) {
		at, ok = *e.RetainUntil, true
	}
	return at, ok
}

// Response returns a copy of the stored response.
func (e *CacheEntry) Response() *Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		StatusCode: e.StatusCode,
		Header:     header,
		Body:       append([]byte(nil), e.Body...),
	}
}

// Clone returns a deep copy of e.
func (e *CacheEntry) Clone() *CacheEntry {
	c := *e
	c.Header = e.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Body = append([]byte(nil), e.Body...)
	c.ExpiresAt = clonePtr(e.ExpiresAt)
	c.ETag = clonePtr(e.ETag)
	c.LastModified = clonePtr(e.LastModified)
	c.StaleWhileRevalidate = clonePtr(e.StaleWhileRevalidate)
	c.StaleIfError = clonePtr(e.StaleIfError)
	c.RetainUntil = clonePtr(e.RetainUntil)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// withRetention returns a copy whose retention is capped at now+ttl.
func (e *CacheEntry) withRetention(ttl time.Duration, now time.Time) *CacheEntry {
	c := e.Clone()
	if ttl > 0 {
		until := now.Add(ttl)
		c.RetainUntil = &until
	}
	return c
}

// Refresh builds the replacement entry after a 304 Not Modified.
// The stored status and body are kept; headers from the 304 replace stored ones
// and new validators replace old ones. If the 304 carries no freshness information
// (hasTTL false) the previously stored lifetime is reused.
func (e *CacheEntry) Refresh(notModified *Response, ttl time.Duration, hasTTL bool, now time.Time) *CacheEntry {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if notModified != nil {
		for name, values := range notModified.Header {
			if skipOnRefresh(name) {
				continue
			}
			header[name] = append([]string(nil), values...)
		}
	}

	if !hasTTL {
		if prev, ok := e.TTL(); ok {
			ttl = prev
		} else {
			ttl = NoTTL
		}
	}

	refreshed := NewEntry(&Response{StatusCode: e.StatusCode, Header: header, Body: e.Body}, ttl, now)
	if refreshed.ETag == nil {
		refreshed.ETag = clonePtr(e.ETag)
	}
	if refreshed.LastModified == nil {
		refreshed.LastModified = clonePtr(e.LastModified)
	}
	return refreshed
}

// skipOnRefresh lists 304 headers that must not overwrite the stored representation.
func skipOnRefresh(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Content-Length", "Content-Encoding", "Transfer-Encoding", "Content-Range", HeaderCacheStatus:
		return true
	}
	return false
}

// Equal reports field-for-field equality. Times compare by instant.
func (e *CacheEntry) Equal(o *CacheEntry) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.StatusCode == o.StatusCode &&
		headersEqual(e.Header, o.Header) &&
		bytes.Equal(e.Body, o.Body) &&
		e.CreatedAt.Equal(o.CreatedAt) &&
		timePtrEqual(e.ExpiresAt, o.ExpiresAt) &&
		reflect.DeepEqual(e.ETag, o.ETag) &&
		reflect.DeepEqual(e.LastModified, o.LastModified) &&
		reflect.DeepEqual(e.StaleWhileRevalidate, o.StaleWhileRevalidate) &&
		reflect.DeepEqual(e.StaleIfError, o.StaleIfError) &&
		e.NoCache == o.NoCache &&
		e.MustRevalidate == o.MustRevalidate &&
		timePtrEqual(e.RetainUntil, o.RetainUntil)
}

func headersEqual(a, b http.Header) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// recordVersion is written into every record.
const recordVersion = 1

// Record is the serialized form of a CacheEntry. Optional fields are pointers so an
// absent field decodes as absent, never as a zero value that could look fresh.
type Record struct {
	Version              int         `json:"v"`
	StatusCode           *int        `json:"status"`
	Header               http.Header `json:"header,omitempty"`
	Body                 []byte      `json:"body,omitempty"`
	CreatedAt            *time.Time  `json:"created_at"`
	ExpiresAt            *time.Time  `json:"expires_at,omitempty"`
	ETag                 *string     `json:"etag,omitempty"`
	LastModified         *string     `json:"last_modified,omitempty"`
	StaleWhileRevalidate *int64      `json:"stale_while_revalidate_ms,omitempty"`
	StaleIfError         *int64      `json:"stale_if_error_ms,omitempty"`
	NoCache              bool        `json:"no_cache,omitempty"`
	MustRevalidate       bool        `json:"must_revalidate,omitempty"`
	RetainUntil          *time.Time  `json:"retain_until,omitempty"`
}

// ToRecord converts e into its serializable form.
func (e *CacheEntry) ToRecord() Record {
	status := e.StatusCode
	created := e.CreatedAt
	return Record{
		Version:              recordVersion,
		StatusCode:           &status,
		Header:               e.Header.Clone(),
		Body:                 append([]byte(nil), e.Body...),
		CreatedAt:            &created,
		ExpiresAt:            clonePtr(e.ExpiresAt),
		ETag:                 clonePtr(e.ETag),
		LastModified:         clonePtr(e.LastModified),
		StaleWhileRevalidate: durationMillis(e.StaleWhileRevalidate),
		StaleIfError:         durationMillis(e.StaleIfError),
		NoCache:              e.NoCache,
		MustRevalidate:       e.MustRevalidate,
		RetainUntil:          clonePtr(e.RetainUntil),
	}
}

// FromRecord rebuilds an entry. Records without status or creation time are invalid.
func FromRecord(r Record) (*CacheEntry, error) {
	if r.StatusCode == nil {
		return nil, fmt.Errorf("%w: missing status", ErrInvalidEntry)
	}
	if r.CreatedAt == nil {
		return nil, fmt.Errorf("%w: missing created_at", ErrInvalidEntry)
	}

	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	return &CacheEntry{
		StatusCode:           *r.StatusCode,
		Header:               header,
		Body:                 append([]byte(nil), r.Body...),
		CreatedAt:            *r.CreatedAt,
		ExpiresAt:            clonePtr(r.ExpiresAt),
		ETag:                 clonePtr(r.ETag),
		LastModified:         clonePtr(r.LastModified),
		StaleWhileRevalidate: millisDuration(r.StaleWhileRevalidate),
		StaleIfError:         millisDuration(r.StaleIfError),
		NoCache:              r.NoCache,
		MustRevalidate:       r.MustRevalidate,
		RetainUntil:          clonePtr(r.RetainUntil),
	}, nil
}

func durationMillis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func millisDuration(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

// MarshalEntry encodes e as JSON.
func MarshalEntry(e *CacheEntry) ([]byte, error) {
	if e == nil {
		return nil, ErrNilEntry
	}
	data, err := json.Marshal(e.ToRecord())
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

// UnmarshalEntry decodes JSON produced by MarshalEntry. Unknown fields are ignored.
func UnmarshalEntry(data []byte) (*CacheEntry, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return FromRecord(r)
}
