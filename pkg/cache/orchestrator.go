package cache

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/httpcache-client/pkg/logging"
	"github.com/rs/zerolog"
)

// ErrNoResponse is returned when an ExecuteFunc reports neither a response nor an error.
var ErrNoResponse = errors.New("execute returned no response")

// ExecuteFunc performs a request over the network. A returned error is a transport
// failure; any HTTP status, including 5xx, is an ordinary response.
type ExecuteFunc func(ctx context.Context, req *Request) (*Response, error)

// Orchestrator decides per request whether a stored response can be served, has to be
// revalidated, or must be fetched, and stores what the transport returns.
//
// Lookups and writes are not coordinated across requests: two concurrent misses for the
// same key both execute and the later write replaces the earlier one.
type Orchestrator struct {
	mu       sync.RWMutex
	settings Settings
	store    Store

	clock  Clock
	logger zerolog.Logger
}

// execute calls exec and treats a nil response as a transport failure.
func execute(ctx context.Context, exec ExecuteFunc, req *Request) (*Response, error) {
	resp, err := exec(ctx, req)
	if err == nil && resp == nil {
		return nil, ErrNoResponse
	}
	return resp, err
}

// OrchestratorOption customises an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock sets the time source used for entry dating and freshness checks.
func WithClock(clock Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

// NewOrchestrator creates an orchestrator. A nil store becomes a default MemoryStore.
func NewOrchestrator(settings Settings, store Store, opts ...OrchestratorOption) *Orchestrator {
	if store == nil {
		store = NewMemoryStore(DefaultMemoryCapacity)
	}
	o := &Orchestrator{
		settings: settings,
		store:    store,
		logger:   logging.NewLogger("http-cache"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Configure replaces the settings used by subsequent requests.
func (o *Orchestrator) Configure(settings Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = settings
}

// Settings returns the current settings.
func (o *Orchestrator) Settings() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// Store returns the current backend.
func (o *Orchestrator) Store() Store {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.store
}

// SetStore swaps the backend. Entries in the previous store are not migrated.
func (o *Orchestrator) SetStore(store Store) {
	if store == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.store = store
}

// Clear removes every entry from the current store.
func (o *Orchestrator) Clear(ctx context.Context) error {
	return o.Store().Clear(ctx)
}

// Prune removes expired entries from the current store.
func (o *Orchestrator) Prune(ctx context.Context) (int, error) {
	store := o.Store()
	n, err := store.Prune(ctx)
	if err != nil {
		CacheErrors.WithLabelValues("prune").Inc()
		return n, err
	}
	CachePruned.WithLabelValues(store.Name()).Add(float64(n))
	o.logger.Debug().Str("store", store.Name()).Int("removed", n).Msg("Cache pruned")
	return n, nil
}

// Key returns the cache key req maps to under the current settings.
func (o *Orchestrator) Key(req *Request) string {
	opts, _ := o.Settings().Options()
	return NewKeyGenerator(opts.VaryHeaders).GenerateForRequest(req)
}

// requestState carries the per-request view of configuration.
type requestState struct {
	opts   Options
	policy Policy
	store  Store
	key    string
	now    time.Time
	logger zerolog.Logger
}

// LookupOrExecute answers req from the cache when possible and otherwise calls exec,
// storing the result when allowed. The returned response carries an X-Cache-Status
// header unless caching is disabled. Only transport failures are returned as errors,
// and only when no stale entry may be served instead; they are returned unwrapped.
func (o *Orchestrator) LookupOrExecute(ctx context.Context, req *Request, exec ExecuteFunc) (*Response, Status, error) {
	o.mu.RLock()
	settings, store := o.settings, o.store
	o.mu.RUnlock()

	opts, enabled := settings.Options()
	if !enabled {
		resp, err := execute(ctx, exec, req)
		return resp, StatusNone, err
	}

	st := &requestState{
		opts:   opts,
		policy: opts.policy(o.clock),
		store:  store,
		key:    NewKeyGenerator(opts.VaryHeaders).GenerateForRequest(req),
		now:    o.clock.now(),
	}
	st.logger = o.logger.With().Str("method", req.Method).Str("uri", req.URI).Logger()

	if !opts.cacheableMethod(req.Method) {
		return o.bypass(ctx, st, req, exec)
	}

	reqDirectives := DirectivesFromHeader(req.Header)
	if reqDirectives.NoStore() {
		st.logger.Debug().Msg("Request no-store, bypassing cache")
		resp, err := execute(ctx, exec, req)
		if err != nil {
			return nil, StatusNone, err
		}
		return annotate(resp, StatusMiss), StatusMiss, nil
	}

	entry, found := store.Get(ctx, st.key)

	if req.ForceRefresh || opts.ForceRefresh {
		st.logger.Debug().Msg("Force refresh, skipping lookup")
		return o.fetch(ctx, st, req, exec, entry)
	}

	if !found {
		st.logger.Debug().Msg("Cache miss")
		return o.fetch(ctx, st, req, exec, nil)
	}

	if entry.IsFresh(st.now) && !entry.NoCache && !reqDirectives.NoCache() {
		return o.serveHit(st, entry), StatusHit, nil
	}

	if entry.HasValidators() {
		return o.revalidate(ctx, st, req, exec, entry)
	}

	st.logger.Debug().Msg("Stale entry without validators, fetching")
	return o.fetch(ctx, st, req, exec, entry)
}

// bypass executes a non-cacheable method. A successful unsafe request invalidates the
// stored GET and HEAD responses for the same URI.
func (o *Orchestrator) bypass(ctx context.Context, st *requestState, req *Request, exec ExecuteFunc) (*Response, Status, error) {
	resp, err := execute(ctx, exec, req)
	if err != nil {
		return nil, StatusNone, err
	}

	if isUnsafe(req.Method) && resp.StatusCode < http.StatusBadRequest && req.CacheKey == "" {
		keys := NewKeyGenerator(st.opts.VaryHeaders)
		for _, method := range []string{http.MethodGet, http.MethodHead} {
			if st.store.Delete(ctx, keys.Generate(method, req.URI, req.Header)) {
				st.logger.Debug().Str("invalidated", method).Msg("Invalidated stored response after unsafe request")
			}
		}
	}
	return annotate(resp, StatusMiss), StatusMiss, nil
}

func isUnsafe(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (o *Orchestrator) serveHit(st *requestState, entry *CacheEntry) *Response {
	CacheHits.WithLabelValues(st.store.Name()).Inc()
	st.logger.Debug().Dur("age", entry.Age(st.now)).Msg("Cache hit")

	resp := entry.Response()
	resp.Header.Set("Age", strconv.FormatInt(int64(entry.Age(st.now)/time.Second), 10))
	return annotate(resp, StatusHit)
}

// revalidate sends a conditional request for a stale or no-cache entry.
func (o *Orchestrator) revalidate(ctx context.Context, st *requestState, req *Request, exec ExecuteFunc, entry *CacheEntry) (*Response, Status, error) {
	cond := req.Clone()
	if entry.ETag != nil {
		cond.Header.Set("If-None-Match", *entry.ETag)
	}
	if entry.LastModified != nil {
		cond.Header.Set("If-Modified-Since", *entry.LastModified)
	}

	st.logger.Debug().
		Str("etag", deref(entry.ETag)).
		Str("last_modified", deref(entry.LastModified)).
		Msg("Revalidating stale entry")

	resp, err := execute(ctx, exec, cond)
	if err != nil {
		Revalidations.WithLabelValues("error").Inc()
		return o.staleOrError(st, entry, err)
	}

	if resp.StatusCode != http.StatusNotModified {
		Revalidations.WithLabelValues("modified").Inc()
		return o.storeAndReturn(ctx, st, resp), StatusMiss, nil
	}

	Revalidations.WithLabelValues("not_modified").Inc()

	// a 304 without freshness information keeps the stored lifetime
	ttl, hasTTL := st.opts.DefaultTTL, true
	if st.opts.RespectCacheHeaders {
		ttl, hasTTL = st.policy.Lifetime(resp)
	}

	refreshed := entry.Refresh(resp, ttl, hasTTL, st.now)
	o.write(ctx, st, refreshed)

	CacheHits.WithLabelValues(st.store.Name()).Inc()
	out := refreshed.Response()
	out.Header.Set("Age", "0")
	return annotate(out, StatusHit), StatusHit, nil
}

// fetch executes req unconditionally. stale, when non-nil, is a fallback for
// transport failures.
func (o *Orchestrator) fetch(ctx context.Context, st *requestState, req *Request, exec ExecuteFunc, stale *CacheEntry) (*Response, Status, error) {
	CacheMisses.Inc()

	resp, err := execute(ctx, exec, req)
	if err != nil {
		if stale == nil {
			return nil, StatusNone, err
		}
		return o.staleOrError(st, stale, err)
	}
	return o.storeAndReturn(ctx, st, resp), StatusMiss, nil
}

// staleOrError serves entry when it is within its stale-if-error window, or failing
// that its stale-while-revalidate window; otherwise err is returned as is.
func (o *Orchestrator) staleOrError(st *requestState, entry *CacheEntry, err error) (*Response, Status, error) {
	if entry.MustRevalidate {
		return nil, StatusNone, err
	}

	window, kind, ok := st.staleWindow(entry)
	if !ok || !entry.IsUsableAsStale(st.now, window) {
		st.logger.Debug().Err(err).Msg("Transport failed, no usable stale entry")
		return nil, StatusNone, err
	}

	StaleServed.WithLabelValues(kind.String()).Inc()
	st.logger.Warn().
		Err(err).
		Str("window", kind.String()).
		Dur("age", entry.Age(st.now)).
		Msg("Transport failed, serving stale entry")

	resp := entry.Response()
	resp.Header.Set("Age", strconv.FormatInt(int64(entry.Age(st.now)/time.Second), 10))
	return annotate(resp, StatusStale), StatusStale, nil
}

// staleWindow picks the grace window for a failed transport call.
func (st *requestState) staleWindow(entry *CacheEntry) (time.Duration, StaleKind, bool) {
	if entry.StaleIfError != nil {
		return *entry.StaleIfError, StaleIfError, true
	}
	if st.opts.StaleIfError > 0 {
		return st.opts.StaleIfError, StaleIfError, true
	}
	if entry.StaleWhileRevalidate != nil {
		return *entry.StaleWhileRevalidate, StaleWhileRevalidate, true
	}
	return 0, StaleIfError, false
}

// lifetime computes the TTL for resp under the current options. Without any freshness
// information the entry is stored stale (TTL zero), so validators and stale windows
// still apply.
func (o *Orchestrator) lifetime(st *requestState, resp *Response) time.Duration {
	if !st.opts.RespectCacheHeaders {
		return st.opts.DefaultTTL
	}
	if ttl, ok := st.policy.Lifetime(resp); ok {
		return ttl
	}
	if st.opts.DefaultTTL > 0 {
		return st.opts.DefaultTTL
	}
	return 0
}

// storeAndReturn stores resp when allowed and returns it annotated as a miss.
func (o *Orchestrator) storeAndReturn(ctx context.Context, st *requestState, resp *Response) *Response {
	if !o.shouldStore(st, resp) {
		if DirectivesFromHeader(resp.Header).NoStore() {
			st.store.Delete(ctx, st.key)
		}
		st.logger.Debug().Int("status", resp.StatusCode).Msg("Response not stored")
		return annotate(resp, StatusMiss)
	}

	o.write(ctx, st, NewEntry(resp, o.lifetime(st, resp), st.now))

	return annotate(resp, StatusMiss)
}

func (o *Orchestrator) shouldStore(st *requestState, resp *Response) bool {
	if st.opts.RespectCacheHeaders {
		return st.policy.ShouldCache(resp)
	}
	// only no-store and the status allow-list apply
	if DirectivesFromHeader(resp.Header).NoStore() {
		return false
	}
	return st.policy.statusAllowed(resp.StatusCode)
}

// write stores entry; failures are logged and counted, never returned.
func (o *Orchestrator) write(ctx context.Context, st *requestState, entry *CacheEntry) {
	entry.Header.Del(HeaderCacheStatus)
	if entry.StaleIfError == nil && st.opts.StaleIfError > 0 {
		w := st.opts.StaleIfError
		entry.StaleIfError = &w
	}
	if err := st.store.Set(ctx, st.key, entry, 0); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		st.logger.Warn().Err(err).Str("store", st.store.Name()).Msg("Failed to write cache entry")
		return
	}
	CacheStores.WithLabelValues(st.store.Name()).Inc()

	ev := st.logger.Debug().Str("store", st.store.Name())
	if ttl, ok := entry.TTL(); ok {
		ev = ev.Dur("ttl", ttl)
	}
	ev.Msg("Cached response")
}

// annotate sets the cache status header on resp.
func annotate(resp *Response, status Status) *Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderCacheStatus, string(status))
	return resp
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
