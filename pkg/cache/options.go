package cache

import (
	"net/http"
	"strings"
	"time"
)

// Options configures an enabled cache.
type Options struct {
	// DefaultTTL is used when no directive computes a lifetime.
	DefaultTTL time.Duration

	// RespectCacheHeaders lets response directives decide lifetimes. When false,
	// DefaultTTL always wins; no-store is still honored.
	RespectCacheHeaders bool

	// CacheStatusCodes overrides DefaultCacheStatusCodes when non-nil.
	CacheStatusCodes []int

	// VaryHeaders are request headers that take part in the cache key.
	VaryHeaders []string

	// ForceRefresh skips lookups for every request; fresh responses are still stored.
	ForceRefresh bool

	// SharedCache enables shared-cache handling of private and s-maxage.
	SharedCache bool

	// Methods are the cacheable request methods. Nil means GET and HEAD.
	Methods []string

	// StaleIfError is the error-fallback window used when a response announces none.
	StaleIfError time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:          0,
		RespectCacheHeaders: true,
		Methods:             []string{http.MethodGet, http.MethodHead},
	}
}

func (o Options) policy(clock Clock) Policy {
	return Policy{
		StatusCodes: o.CacheStatusCodes,
		Shared:      o.SharedCache,
		Clock:       clock,
	}
}

func (o Options) cacheableMethod(method string) bool {
	methods := o.Methods
	if methods == nil {
		methods = []string{http.MethodGet, http.MethodHead}
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Settings is either disabled or enabled with concrete Options.
// The zero value is disabled.
type Settings struct {
	enabled bool
	options Options
}

// Disabled returns settings that turn caching off.
func Disabled() Settings {
	return Settings{}
}

// Enabled returns settings that turn caching on with opts.
func Enabled(opts Options) Settings {
	return Settings{enabled: true, options: opts}
}

// IsEnabled reports whether caching is on.
func (s Settings) IsEnabled() bool { return s.enabled }

// Options returns the options and whether caching is enabled.
func (s Settings) Options() (Options, bool) {
	return s.options, s.enabled
}
