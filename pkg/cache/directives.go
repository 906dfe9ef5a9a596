package cache

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Cache-Control directive names understood by the cache.
const (
	DirectiveNoStore              = "no-store"
	DirectiveNoCache              = "no-cache"
	DirectiveMustRevalidate       = "must-revalidate"
	DirectivePublic               = "public"
	DirectivePrivate              = "private"
	DirectiveMaxAge               = "max-age"
	DirectiveSMaxAge              = "s-maxage"
	DirectiveStaleWhileRevalidate = "stale-while-revalidate"
	DirectiveStaleIfError         = "stale-if-error"
)

// maxDeltaSeconds caps delta-seconds arguments; larger values mean "forever" (RFC 9111 §1.2.2).
const maxDeltaSeconds = 1 << 31

// numericDirectives carry a delta-seconds argument.
var numericDirectives = map[string]bool{
	DirectiveMaxAge:               true,
	DirectiveSMaxAge:              true,
	DirectiveStaleWhileRevalidate: true,
	DirectiveStaleIfError:         true,
}

// Directives is a parsed, read-only view of one or more Cache-Control header values.
// The zero value is an empty set: no caching information asserted.
type Directives struct {
	flags   map[string]bool
	seconds map[string]int64
	// other keeps unknown directives (and their raw arguments) so they can be forwarded.
	other map[string]string
}

// ParseDirectives parses Cache-Control header values.
// Malformed tokens are dropped individually; they never invalidate the rest of the header.
// Directive names are case-insensitive and arguments may be tokens or quoted strings.
// Negative or non-numeric arguments of numeric directives are treated as absent.
func ParseDirectives(values ...string) Directives {
	d := Directives{
		flags:   make(map[string]bool),
		seconds: make(map[string]int64),
		other:   make(map[string]string),
	}

	for _, value := range values {
		for _, token := range splitDirectives(value) {
			name, arg, hasArg := strings.Cut(token, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" || strings.ContainsAny(name, " \t\"") {
				continue
			}
			arg = unquote(strings.TrimSpace(arg))

			switch {
			case numericDirectives[name]:
				if !hasArg {
					continue
				}
				n, err := strconv.ParseInt(arg, 10, 64)
				if errors.Is(err, strconv.ErrRange) && n > 0 {
					err = nil
				}
				if err != nil || n < 0 {
					continue
				}
				if n > maxDeltaSeconds {
					n = maxDeltaSeconds
				}
				// first occurrence wins for conflicting duplicates
				if _, seen := d.seconds[name]; !seen {
					d.seconds[name] = n
				}
			case isFlagDirective(name):
				d.flags[name] = true
			default:
				if hasArg {
					d.other[name] = arg
				} else {
					d.other[name] = ""
				}
			}
		}
	}

	return d
}

// DirectivesFromHeader parses the Cache-Control values of h.
func DirectivesFromHeader(h http.Header) Directives {
	if h == nil {
		return Directives{}
	}
	return ParseDirectives(h.Values("Cache-Control")...)
}

func isFlagDirective(name string) bool {
	switch name {
	case DirectiveNoStore, DirectiveNoCache, DirectiveMustRevalidate, DirectivePublic, DirectivePrivate:
		return true
	}
	return false
}

// splitDirectives splits on commas that are not inside a quoted string.
func splitDirectives(value string) []string {
	var (
		parts   []string
		current strings.Builder
		quoted  bool
		escaped bool
	)
	for _, r := range value {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			if s := strings.TrimSpace(current.String()); s != "" {
				parts = append(parts, s)
			}
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	// an unterminated quote makes the trailing token malformed
	if s := strings.TrimSpace(current.String()); s != "" && !quoted {
		parts = append(parts, s)
	}
	return parts
}

func unquote(arg string) string {
	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		return strings.ReplaceAll(arg[1:len(arg)-1], `\"`, `"`)
	}
	return arg
}

// IsEmpty reports whether no directive was recognised.
func (d Directives) IsEmpty() bool {
	return len(d.flags) == 0 && len(d.seconds) == 0 && len(d.other) == 0
}

// Has reports whether the named directive is present, known or not.
func (d Directives) Has(name string) bool {
	name = strings.ToLower(name)
	if d.flags[name] {
		return true
	}
	if _, ok := d.seconds[name]; ok {
		return true
	}
	_, ok := d.other[name]
	return ok
}

// NoStore reports whether no-store is present.
func (d Directives) NoStore() bool { return d.flags[DirectiveNoStore] }

// NoCache reports whether no-cache is present.
func (d Directives) NoCache() bool { return d.flags[DirectiveNoCache] }

// MustRevalidate reports whether must-revalidate is present.
func (d Directives) MustRevalidate() bool { return d.flags[DirectiveMustRevalidate] }

// Public reports whether public is present.
func (d Directives) Public() bool { return d.flags[DirectivePublic] }

// Private reports whether private is present.
func (d Directives) Private() bool { return d.flags[DirectivePrivate] }

func (d Directives) duration(name string) (time.Duration, bool) {
	n, ok := d.seconds[name]
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// MaxAge returns the max-age directive. max-age=0 is present and zero.
func (d Directives) MaxAge() (time.Duration, bool) { return d.duration(DirectiveMaxAge) }

// SMaxAge returns the s-maxage directive.
func (d Directives) SMaxAge() (time.Duration, bool) { return d.duration(DirectiveSMaxAge) }

// StaleWhileRevalidate returns the stale-while-revalidate window.
func (d Directives) StaleWhileRevalidate() (time.Duration, bool) {
	return d.duration(DirectiveStaleWhileRevalidate)
}

// StaleIfError returns the stale-if-error window.
func (d Directives) StaleIfError() (time.Duration, bool) {
	return d.duration(DirectiveStaleIfError)
}

// Map returns the directives as name to argument; valueless directives map to "".
func (d Directives) Map() map[string]string {
	m := make(map[string]string, len(d.flags)+len(d.seconds)+len(d.other))
	for name := range d.other {
		m[name] = d.other[name]
	}
	for name := range d.flags {
		m[name] = ""
	}
	for name, n := range d.seconds {
		m[name] = strconv.FormatInt(n, 10)
	}
	return m
}

// String renders the directives as a Cache-Control header value.
func (d Directives) String() string {
	return BuildDirectives(d.Map())
}

// BuildDirectives renders a Cache-Control header value from name to argument pairs.
// Empty arguments produce valueless directives. Output is sorted by name so the same
// input always yields the same header.
func BuildDirectives(directives map[string]string) string {
	names := make([]string, 0, len(directives))
	for name := range directives {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		arg := directives[name]
		switch {
		case arg == "":
			parts = append(parts, strings.ToLower(name))
		case needsQuoting(arg):
			parts = append(parts, strings.ToLower(name)+`="`+strings.ReplaceAll(arg, `"`, `\"`)+`"`)
		default:
			parts = append(parts, strings.ToLower(name)+"="+arg)
		}
	}
	return strings.Join(parts, ", ")
}

func needsQuoting(arg string) bool {
	return strings.ContainsAny(arg, " \t,;=\"")
}

// StaleKind selects one of the two stale-serving windows.
type StaleKind int

const (
	StaleWhileRevalidate StaleKind = iota
	StaleIfError
)

func (k StaleKind) String() string {
	if k == StaleIfError {
		return DirectiveStaleIfError
	}
	return DirectiveStaleWhileRevalidate
}

// DefaultCacheStatusCodes are the response codes stored unless overridden.
var DefaultCacheStatusCodes = []int{
	http.StatusOK,
	http.StatusNonAuthoritativeInfo,
	http.StatusNoContent,
	http.StatusPartialContent,
	http.StatusMultipleChoices,
	http.StatusMovedPermanently,
	http.StatusNotFound,
	http.StatusGone,
}

// Policy decides whether and for how long a response may be stored.
type Policy struct {
	// StatusCodes is the allow-list of storable status codes. Nil means DefaultCacheStatusCodes.
	StatusCodes []int

	// Shared enables shared-cache semantics for private and s-maxage.
	Shared bool

	// Clock dates Expires when the response carries no Date header. Nil means time.Now.
	Clock Clock
}

func (p Policy) statusAllowed(code int) bool {
	codes := p.StatusCodes
	if codes == nil {
		codes = DefaultCacheStatusCodes
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// ShouldCache reports whether resp may be stored.
// no-cache does not block storage; it only forces revalidation on reuse.
func (p Policy) ShouldCache(resp *Response) bool {
	if resp == nil {
		return false
	}
	d := DirectivesFromHeader(resp.Header)
	if d.NoStore() {
		return false
	}
	if p.Shared && d.Private() {
		return false
	}
	return p.statusAllowed(resp.StatusCode)
}

// Lifetime returns the explicit freshness lifetime of resp and whether one was found.
// Shared caches prefer s-maxage over max-age. Without either directive, Expires minus
// Date is used when both parse.
func (p Policy) Lifetime(resp *Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	d := DirectivesFromHeader(resp.Header)
	if p.Shared {
		if ttl, ok := d.SMaxAge(); ok {
			return ttl, true
		}
	}
	if ttl, ok := d.MaxAge(); ok {
		return ttl, true
	}
	return expiresLifetime(resp.Header, p.Clock.now())
}

// TTL returns the freshness lifetime of resp, zero when nothing computes one.
// Zero means "stale immediately" which still allows revalidation.
func (p Policy) TTL(resp *Response) time.Duration {
	ttl, _ := p.Lifetime(resp)
	return ttl
}

// StaleWindow returns the requested stale-serving window from resp's directives.
func (p Policy) StaleWindow(resp *Response, kind StaleKind) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	d := DirectivesFromHeader(resp.Header)
	if kind == StaleIfError {
		return d.StaleIfError()
	}
	return d.StaleWhileRevalidate()
}

// expiresLifetime measures Expires against Date, or against now when Date is missing.
func expiresLifetime(h http.Header, now time.Time) (time.Duration, bool) {
	raw := h.Get("Expires")
	if raw == "" {
		return 0, false
	}
	expires, err := http.ParseTime(raw)
	if err != nil {
		// an invalid Expires means "already expired"
		return 0, true
	}
	date := now
	if rawDate := h.Get("Date"); rawDate != "" {
		if parsed, err := http.ParseTime(rawDate); err == nil {
			date = parsed
		}
	}
	ttl := expires.Sub(date)
	if ttl < 0 {
		ttl = 0
	}
	return ttl.Truncate(time.Second), true
}
