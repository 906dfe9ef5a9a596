package cache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:80: connection refused")

// scriptedOrigin records requests and answers them with handler.
type scriptedOrigin struct {
	mu       sync.Mutex
	requests []*Request
	handler  func(req *Request) (*Response, error)
}

func (s *scriptedOrigin) exec(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req.Clone())
	handler := s.handler
	s.mu.Unlock()
	return handler(req)
}

func (s *scriptedOrigin) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedOrigin) last() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// reply returns a handler that always answers with a new response.
func reply(status int, body string, headers ...string) func(*Request) (*Response, error) {
	return func(*Request) (*Response, error) {
		resp := response(status, headers...)
		resp.Body = []byte(body)
		return resp, nil
	}
}

func fail(err error) func(*Request) (*Response, error) {
	return func(*Request) (*Response, error) { return nil, err }
}

func get(uri string, headers ...string) *Request {
	h := make(http.Header)
	for i := 0; i+1 < len(headers); i += 2 {
		h.Add(headers[i], headers[i+1])
	}
	return &Request{Method: http.MethodGet, URI: uri, Header: h}
}

type orchestratorFixture struct {
	orch   *Orchestrator
	store  *MemoryStore
	clock  *fakeClock
	origin *scriptedOrigin
}

func newFixture(t *testing.T, settings Settings) *orchestratorFixture {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore(100)
	store.clock = clock.Now
	return &orchestratorFixture{
		orch:   NewOrchestrator(settings, store, WithClock(clock.Now), WithLogger(zerolog.Nop())),
		store:  store,
		clock:  clock,
		origin: &scriptedOrigin{},
	}
}

func (f *orchestratorFixture) do(t *testing.T, req *Request) (*Response, Status) {
	t.Helper()
	resp, status, err := f.orch.LookupOrExecute(context.Background(), req, f.origin.exec)
	if err != nil {
		t.Fatalf("LookupOrExecute() error = %v", err)
	}
	if got := resp.Header.Get(HeaderCacheStatus); got != string(status) {
		t.Errorf("%s header = %q, want %q", HeaderCacheStatus, got, status)
	}
	return resp, status
}

func TestOrchestrator_MaxAgeHit(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(200, `[{"id":1}]`, "Cache-Control", "max-age=60")

	first, status := f.do(t, get("https://api.example.com/users"))
	if status != StatusMiss {
		t.Errorf("first status = %q, want MISS", status)
	}

	f.clock.Advance(30 * time.Second)

	second, status := f.do(t, get("https://api.example.com/users"))
	if status != StatusHit {
		t.Errorf("second status = %q, want HIT", status)
	}
	if f.origin.calls() != 1 {
		t.Errorf("transport calls = %d, want 1", f.origin.calls())
	}
	if string(second.Body) != string(first.Body) {
		t.Errorf("body = %q, want %q", second.Body, first.Body)
	}
	if got := second.Header.Get("Age"); got != "30" {
		t.Errorf("Age = %q, want 30", got)
	}
}

func TestOrchestrator_NoStore(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(200, "secret", "Cache-Control", "no-store")

	req := get("https://api.example.com/users")
	for i := 0; i < 2; i++ {
		if _, status := f.do(t, req); status != StatusMiss {
			t.Errorf("request %d status = %q, want MISS", i+1, status)
		}
		if f.store.Has(context.Background(), f.orch.Key(req)) {
			t.Errorf("no-store response retrievable after request %d", i+1)
		}
	}
	if f.origin.calls() != 2 {
		t.Errorf("transport calls = %d, want 2", f.origin.calls())
	}
}

func TestOrchestrator_NoStoreRemovesPreviousEntry(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "v1", "Cache-Control", "max-age=60")
	f.do(t, req)

	f.origin.handler = reply(200, "v2", "Cache-Control", "no-store")
	req.ForceRefresh = true
	f.do(t, req)

	if f.store.Has(context.Background(), f.orch.Key(req)) {
		t.Error("no-store response must evict the previous entry")
	}
}

func TestOrchestrator_MaxAgeZero(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(200, "body", "Cache-Control", "max-age=0")

	f.do(t, get("https://api.example.com/users"))

	if n, _ := f.store.Count(context.Background()); n != 1 {
		t.Errorf("Count() = %d, want 1 (max-age=0 is cacheable)", n)
	}

	if _, status := f.do(t, get("https://api.example.com/users")); status == StatusHit {
		t.Error("max-age=0 must not produce a fresh hit")
	}
	if f.origin.calls() != 2 {
		t.Errorf("transport calls = %d, want 2", f.origin.calls())
	}
}

func TestOrchestrator_ETagRevalidation(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "original body", "ETag", `"v1"`, "Cache-Control", "max-age=60")
	f.do(t, req)

	f.clock.Advance(2 * time.Minute)
	f.origin.handler = func(r *Request) (*Response, error) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			return response(http.StatusNotModified, "Cache-Control", "max-age=60"), nil
		}
		return reply(200, "changed", "ETag", `"v2"`)(r)
	}

	resp, status := f.do(t, req)
	if status != StatusHit {
		t.Errorf("status = %q, want HIT", status)
	}
	if string(resp.Body) != "original body" {
		t.Errorf("body = %q, want original body", resp.Body)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := f.origin.last().Header.Get("If-None-Match"); got != `"v1"` {
		t.Errorf("If-None-Match = %q, want \"v1\"", got)
	}

	entry, ok := f.store.Get(context.Background(), f.orch.Key(req))
	if !ok {
		t.Fatal("revalidated entry missing")
	}
	if !entry.CreatedAt.Equal(f.clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", entry.CreatedAt, f.clock.Now())
	}
	if !entry.ExpiresAt.Equal(f.clock.Now().Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", entry.ExpiresAt, f.clock.Now().Add(time.Minute))
	}

	// fresh again: no transport call
	f.do(t, req)
	if f.origin.calls() != 2 {
		t.Errorf("transport calls = %d, want 2", f.origin.calls())
	}
}

func TestOrchestrator_LastModifiedRevalidation(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/report")
	lastModified := "Mon, 01 Jan 2024 00:00:00 GMT"

	f.origin.handler = reply(200, "report", "Last-Modified", lastModified, "Cache-Control", "max-age=10")
	f.do(t, req)

	f.clock.Advance(time.Minute)
	f.origin.handler = func(r *Request) (*Response, error) {
		return response(http.StatusNotModified), nil
	}

	resp, status := f.do(t, req)
	if status != StatusHit || string(resp.Body) != "report" {
		t.Errorf("got %q %q, want HIT report", status, resp.Body)
	}
	if got := f.origin.last().Header.Get("If-Modified-Since"); got != lastModified {
		t.Errorf("If-Modified-Since = %q, want %q", got, lastModified)
	}

	// a 304 without freshness keeps the stored lifetime
	entry, _ := f.store.Get(context.Background(), f.orch.Key(req))
	if ttl, ok := entry.TTL(); !ok || ttl != 10*time.Second {
		t.Errorf("TTL() = %v, %v, want 10s", ttl, ok)
	}
}

func TestOrchestrator_RevalidationModified(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "old", "ETag", `"v1"`, "Cache-Control", "max-age=60")
	f.do(t, req)

	f.clock.Advance(2 * time.Minute)
	f.origin.handler = reply(200, "new", "ETag", `"v2"`, "Cache-Control", "max-age=60")

	resp, status := f.do(t, req)
	if status != StatusMiss || string(resp.Body) != "new" {
		t.Errorf("got %q %q, want MISS new", status, resp.Body)
	}

	entry, _ := f.store.Get(context.Background(), f.orch.Key(req))
	if entry == nil || *entry.ETag != `"v2"` {
		t.Error("modified response should replace the entry")
	}
}

func TestOrchestrator_StaleIfError(t *testing.T) {
	tests := []struct {
		name        string
		pastExpiry  time.Duration
		wantStale   bool
		cacheHeader string
	}{
		{"30s past expiry is served", 30 * time.Second, true, "max-age=60, stale-if-error=60"},
		{"90s past expiry propagates", 90 * time.Second, false, "max-age=60, stale-if-error=60"},
		{"stale-while-revalidate window as fallback", 30 * time.Second, true, "max-age=60, stale-while-revalidate=60"},
		{"no window propagates", 30 * time.Second, false, "max-age=60"},
		{"must-revalidate propagates", 30 * time.Second, false, "max-age=60, stale-if-error=60, must-revalidate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Enabled(DefaultOptions()))
			req := get("https://api.example.com/users")

			f.origin.handler = reply(200, "cached", "Cache-Control", tt.cacheHeader)
			f.do(t, req)

			f.clock.Advance(time.Minute + tt.pastExpiry)
			f.origin.handler = fail(errConnRefused)

			resp, status, err := f.orch.LookupOrExecute(context.Background(), req, f.origin.exec)
			if tt.wantStale {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if status != StatusStale || string(resp.Body) != "cached" {
					t.Errorf("got %q %q, want STALE cached", status, resp.Body)
				}
				if resp.Header.Get(HeaderCacheStatus) != string(StatusStale) {
					t.Errorf("%s = %q, want STALE", HeaderCacheStatus, resp.Header.Get(HeaderCacheStatus))
				}
				return
			}
			if err != errConnRefused {
				t.Errorf("error = %v, want the transport error unchanged", err)
			}
			if resp != nil {
				t.Error("no response expected with an error")
			}
		})
	}
}

func TestOrchestrator_StaleIfErrorWithValidators(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "cached", "ETag", `"v1"`, "Cache-Control", "max-age=60, stale-if-error=60")
	f.do(t, req)

	f.clock.Advance(90 * time.Second)
	f.origin.handler = fail(errConnRefused)

	resp, status, err := f.orch.LookupOrExecute(context.Background(), req, f.origin.exec)
	if err != nil || status != StatusStale || string(resp.Body) != "cached" {
		t.Errorf("got %v %q, want STALE cached", err, status)
	}
	if f.origin.last().Header.Get("If-None-Match") != `"v1"` {
		t.Error("revalidation should have been attempted first")
	}
}

func TestOrchestrator_StaleIfErrorWithoutFreshness(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
	}{
		{"without validators", []string{"Cache-Control", "stale-if-error=60"}},
		{"with etag", []string{"Cache-Control", "stale-if-error=60", "ETag", `"v1"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Enabled(DefaultOptions()))
			req := get("https://api.example.com/users")

			f.origin.handler = reply(200, "cached", tt.headers...)
			f.do(t, req)

			entry, ok := f.store.Get(context.Background(), f.orch.Key(req))
			if !ok {
				t.Fatal("response without a lifetime should still be stored")
			}
			if entry.ExpiresAt == nil || !entry.ExpiresAt.Equal(entry.CreatedAt) {
				t.Errorf("ExpiresAt = %v, want CreatedAt %v", entry.ExpiresAt, entry.CreatedAt)
			}

			f.clock.Advance(30 * time.Second)
			f.origin.handler = fail(errConnRefused)

			resp, status, err := f.orch.LookupOrExecute(context.Background(), req, f.origin.exec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != StatusStale || string(resp.Body) != "cached" {
				t.Errorf("got %q %q, want STALE cached", status, resp.Body)
			}
		})
	}
}

func TestOrchestrator_HugeMaxAgeStaysFresh(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(200, "body", "Cache-Control", "max-age=10000000000")

	f.do(t, get("https://api.example.com/users"))
	f.clock.Advance(24 * time.Hour)

	if _, status := f.do(t, get("https://api.example.com/users")); status != StatusHit {
		t.Errorf("second status = %q, want HIT", status)
	}
	if f.origin.calls() != 1 {
		t.Errorf("transport calls = %d, want 1", f.origin.calls())
	}
}

func TestOrchestrator_ExpiresWithoutDateUsesClock(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/users")
	expires := f.clock.Now().Add(2 * time.Minute).Format(http.TimeFormat)
	f.origin.handler = reply(200, "body", "Expires", expires)

	f.do(t, req)

	entry, ok := f.store.Get(context.Background(), f.orch.Key(req))
	if !ok {
		t.Fatal("entry not stored")
	}
	if ttl, _ := entry.TTL(); ttl != 2*time.Minute {
		t.Errorf("TTL() = %v, want 2m0s", ttl)
	}
}

func TestOrchestrator_NilResponseIsATransportError(t *testing.T) {
	nothing := func(*Request) (*Response, error) { return nil, nil }

	t.Run("without entry", func(t *testing.T) {
		f := newFixture(t, Enabled(DefaultOptions()))
		f.origin.handler = nothing

		resp, status, err := f.orch.LookupOrExecute(context.Background(), get("https://api.example.com/users"), f.origin.exec)
		if !errors.Is(err, ErrNoResponse) {
			t.Errorf("error = %v, want %v", err, ErrNoResponse)
		}
		if resp != nil || status != StatusNone {
			t.Errorf("got %v %q, want nil response", resp, status)
		}
	})

	t.Run("stale entry served", func(t *testing.T) {
		f := newFixture(t, Enabled(DefaultOptions()))
		req := get("https://api.example.com/users")
		f.origin.handler = reply(200, "cached", "ETag", `"v1"`, "Cache-Control", "max-age=60, stale-if-error=60")
		f.do(t, req)

		f.clock.Advance(90 * time.Second)
		f.origin.handler = nothing

		resp, status, err := f.orch.LookupOrExecute(context.Background(), req, f.origin.exec)
		if err != nil || status != StatusStale || string(resp.Body) != "cached" {
			t.Errorf("got %v %q, want STALE cached", err, status)
		}
	})

	t.Run("uncacheable method", func(t *testing.T) {
		f := newFixture(t, Enabled(DefaultOptions()))
		f.origin.handler = nothing

		req := &Request{Method: http.MethodPost, URI: "https://api.example.com/users", Header: make(http.Header)}
		if _, _, err := f.orch.LookupOrExecute(context.Background(), req, f.origin.exec); !errors.Is(err, ErrNoResponse) {
			t.Errorf("error = %v, want %v", err, ErrNoResponse)
		}
	})
}

func TestOrchestrator_DefaultStaleIfErrorWindow(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleIfError = time.Minute
	f := newFixture(t, Enabled(opts))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "cached", "Cache-Control", "max-age=60")
	f.do(t, req)

	f.clock.Advance(90 * time.Second)
	f.origin.handler = fail(errConnRefused)

	_, status, err := f.orch.LookupOrExecute(context.Background(), req, f.origin.exec)
	if err != nil || status != StatusStale {
		t.Errorf("got %v %q, want STALE from the configured window", err, status)
	}
}

func TestOrchestrator_StaleWhileRevalidateRefreshesSynchronously(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "old", "Cache-Control", "max-age=60, stale-while-revalidate=60")
	f.do(t, req)

	f.clock.Advance(90 * time.Second)
	f.origin.handler = reply(200, "new", "Cache-Control", "max-age=60, stale-while-revalidate=60")

	resp, status := f.do(t, req)
	if status != StatusMiss || string(resp.Body) != "new" {
		t.Errorf("got %q %q, want the refreshed response", status, resp.Body)
	}
}

func TestOrchestrator_TransportErrorWithoutEntry(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = fail(errConnRefused)

	resp, status, err := f.orch.LookupOrExecute(context.Background(), get("https://api.example.com/users"), f.origin.exec)
	if !errors.Is(err, errConnRefused) {
		t.Errorf("error = %v, want %v", err, errConnRefused)
	}
	if resp != nil || status != StatusNone {
		t.Errorf("got %v %q, want nil response", resp, status)
	}
}

func TestOrchestrator_ServerErrorIsAResponse(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(503, "unavailable", "Cache-Control", "max-age=60")

	resp, status := f.do(t, get("https://api.example.com/users"))
	if resp.StatusCode != 503 || status != StatusMiss {
		t.Errorf("got %d %q, want 503 MISS", resp.StatusCode, status)
	}
	if n, _ := f.store.Count(context.Background()); n != 0 {
		t.Error("503 is not in the default status allow-list")
	}
}

func TestOrchestrator_Disabled(t *testing.T) {
	f := newFixture(t, Disabled())
	f.origin.handler = reply(200, "body", "Cache-Control", "max-age=60")

	for i := 0; i < 2; i++ {
		resp, status, err := f.orch.LookupOrExecute(context.Background(), get("https://api.example.com/users"), f.origin.exec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status != StatusNone {
			t.Errorf("status = %q, want none", status)
		}
		if _, ok := resp.Header[HeaderCacheStatus]; ok {
			t.Error("disabled cache must not annotate responses")
		}
	}
	if f.origin.calls() != 2 {
		t.Errorf("transport calls = %d, want 2", f.origin.calls())
	}
	if n, _ := f.store.Count(context.Background()); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestOrchestrator_Configure(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(200, "body", "Cache-Control", "max-age=60")
	req := get("https://api.example.com/users")

	f.do(t, req)
	f.orch.Configure(Disabled())

	_, status, _ := f.orch.LookupOrExecute(context.Background(), req, f.origin.exec)
	if status != StatusNone {
		t.Errorf("status = %q, want none after disabling", status)
	}
	if f.orch.Settings().IsEnabled() {
		t.Error("Settings() should report disabled")
	}
}

func TestOrchestrator_ForceRefresh(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "v1", "Cache-Control", "max-age=60")
	f.do(t, req)

	f.origin.handler = reply(200, "v2", "Cache-Control", "max-age=60")
	forced := req.Clone()
	forced.ForceRefresh = true
	resp, status := f.do(t, forced)
	if status != StatusMiss || string(resp.Body) != "v2" {
		t.Errorf("forced request got %q %q, want MISS v2", status, resp.Body)
	}

	resp, status = f.do(t, req)
	if status != StatusHit || string(resp.Body) != "v2" {
		t.Errorf("follow-up got %q %q, want HIT v2", status, resp.Body)
	}
}

func TestOrchestrator_ForceRefreshOption(t *testing.T) {
	opts := DefaultOptions()
	opts.ForceRefresh = true
	f := newFixture(t, Enabled(opts))
	f.origin.handler = reply(200, "body", "Cache-Control", "max-age=60")

	f.do(t, get("https://api.example.com/users"))
	f.do(t, get("https://api.example.com/users"))

	if f.origin.calls() != 2 {
		t.Errorf("transport calls = %d, want 2", f.origin.calls())
	}
}

func TestOrchestrator_IgnoreCacheHeaders(t *testing.T) {
	opts := DefaultOptions()
	opts.RespectCacheHeaders = false
	opts.DefaultTTL = 5 * time.Minute
	f := newFixture(t, Enabled(opts))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "body", "Cache-Control", "max-age=1, no-cache")
	f.do(t, req)

	f.clock.Advance(time.Minute)
	// max-age=1 is ignored in favour of DefaultTTL
	entry, ok := f.store.Get(context.Background(), f.orch.Key(req))
	if !ok {
		t.Fatal("entry missing")
	}
	if ttl, _ := entry.TTL(); ttl != 5*time.Minute {
		t.Errorf("TTL() = %v, want DefaultTTL", ttl)
	}

	f.origin.handler = reply(200, "secret", "Cache-Control", "no-store")
	other := get("https://api.example.com/secret")
	f.do(t, other)
	if f.store.Has(context.Background(), f.orch.Key(other)) {
		t.Error("no-store is honored even when ignoring cache headers")
	}
}

func TestOrchestrator_DefaultTTL(t *testing.T) {
	tests := []struct {
		name      string
		ttl       time.Duration
		wantCalls int
	}{
		{"stale immediately without default", 0, 2},
		{"default lifetime applies", time.Minute, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.DefaultTTL = tt.ttl
			f := newFixture(t, Enabled(opts))
			f.origin.handler = reply(200, "body")

			f.do(t, get("https://api.example.com/users"))
			f.do(t, get("https://api.example.com/users"))

			if f.origin.calls() != tt.wantCalls {
				t.Errorf("transport calls = %d, want %d", f.origin.calls(), tt.wantCalls)
			}
		})
	}
}

func TestOrchestrator_ResponseNoCache(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	req := get("https://api.example.com/users")

	f.origin.handler = reply(200, "body", "ETag", `"v1"`, "Cache-Control", "max-age=60, no-cache")
	f.do(t, req)

	f.origin.handler = func(r *Request) (*Response, error) {
		return response(http.StatusNotModified, "Cache-Control", "max-age=60, no-cache"), nil
	}
	resp, status := f.do(t, req)

	if f.origin.calls() != 2 {
		t.Errorf("transport calls = %d, want 2 (no-cache revalidates every use)", f.origin.calls())
	}
	if status != StatusHit || string(resp.Body) != "body" {
		t.Errorf("got %q %q, want HIT body", status, resp.Body)
	}
}

func TestOrchestrator_RequestDirectives(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(200, "body", "ETag", `"v1"`, "Cache-Control", "max-age=60")

	f.do(t, get("https://api.example.com/users"))

	t.Run("no-cache revalidates a fresh entry", func(t *testing.T) {
		f.do(t, get("https://api.example.com/users", "Cache-Control", "no-cache"))
		if got := f.origin.last().Header.Get("If-None-Match"); got != `"v1"` {
			t.Errorf("If-None-Match = %q, want \"v1\"", got)
		}
	})

	t.Run("no-store bypasses the cache", func(t *testing.T) {
		before := f.origin.calls()
		_, status := f.do(t, get("https://api.example.com/fresh", "Cache-Control", "no-store"))
		if status != StatusMiss || f.origin.calls() != before+1 {
			t.Errorf("status = %q, calls = %d", status, f.origin.calls()-before)
		}
		if f.store.Has(context.Background(), f.orch.Key(get("https://api.example.com/fresh"))) {
			t.Error("request no-store must not be stored")
		}
	})
}

func TestOrchestrator_UnsafeMethodInvalidates(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	uri := "https://api.example.com/users/1"

	f.origin.handler = reply(200, "user", "Cache-Control", "max-age=60")
	f.do(t, get(uri))

	f.origin.handler = reply(204, "")
	post := &Request{Method: http.MethodPut, URI: uri, Header: make(http.Header), Body: []byte(`{"name":"x"}`)}
	if _, status := f.do(t, post); status != StatusMiss {
		t.Errorf("PUT status = %q, want MISS", status)
	}

	if f.store.Has(context.Background(), f.orch.Key(get(uri))) {
		t.Error("successful PUT should invalidate the stored GET")
	}
	if n, _ := f.store.Count(context.Background()); n != 0 {
		t.Errorf("Count() = %d, want 0 (unsafe responses are never stored)", n)
	}
}

func TestOrchestrator_FailedUnsafeMethodKeepsEntry(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	uri := "https://api.example.com/users/1"

	f.origin.handler = reply(200, "user", "Cache-Control", "max-age=60")
	f.do(t, get(uri))

	f.origin.handler = reply(409, "conflict")
	f.do(t, &Request{Method: http.MethodDelete, URI: uri})

	if !f.store.Has(context.Background(), f.orch.Key(get(uri))) {
		t.Error("failed DELETE must not invalidate")
	}
}

func TestOrchestrator_VaryHeaders(t *testing.T) {
	opts := DefaultOptions()
	opts.VaryHeaders = []string{"Accept-Language"}
	f := newFixture(t, Enabled(opts))
	f.origin.handler = func(r *Request) (*Response, error) {
		return reply(200, "hello "+r.Header.Get("Accept-Language"), "Cache-Control", "max-age=60")(r)
	}

	f.do(t, get("https://api.example.com/greeting", "Accept-Language", "en"))
	resp, status := f.do(t, get("https://api.example.com/greeting", "Accept-Language", "de"))
	if status != StatusMiss || string(resp.Body) != "hello de" {
		t.Errorf("got %q %q, want MISS hello de", status, resp.Body)
	}

	resp, status = f.do(t, get("https://api.example.com/greeting", "Accept-Language", "en", "User-Agent", "other"))
	if status != StatusHit || string(resp.Body) != "hello en" {
		t.Errorf("got %q %q, want HIT hello en", status, resp.Body)
	}
}

func TestOrchestrator_CustomCacheKey(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(200, "profile", "Cache-Control", "max-age=60")

	a := get("https://api.example.com/me?ts=1")
	a.CacheKey = "profile"
	b := get("https://api.example.com/me?ts=2")
	b.CacheKey = "profile"

	f.do(t, a)
	if _, status := f.do(t, b); status != StatusHit {
		t.Errorf("status = %q, want HIT via shared custom key", status)
	}
}

func TestOrchestrator_SharedCachePrivate(t *testing.T) {
	opts := DefaultOptions()
	opts.SharedCache = true
	f := newFixture(t, Enabled(opts))
	f.origin.handler = reply(200, "mine", "Cache-Control", "private, max-age=60")

	f.do(t, get("https://api.example.com/me"))
	if n, _ := f.store.Count(context.Background()); n != 0 {
		t.Error("shared cache must not store private responses")
	}
}

// failingStore rejects every write.
type failingStore struct {
	*MemoryStore
}

func (failingStore) Set(context.Context, string, *CacheEntry, time.Duration) error {
	return errors.New("disk full")
}

func TestOrchestrator_WriteFailureIsSwallowed(t *testing.T) {
	clock := newFakeClock()
	orch := NewOrchestrator(Enabled(DefaultOptions()), failingStore{NewMemoryStore(10)},
		WithClock(clock.Now), WithLogger(zerolog.Nop()))
	origin := &scriptedOrigin{handler: reply(200, "body", "Cache-Control", "max-age=60")}

	resp, status, err := orch.LookupOrExecute(context.Background(), get("https://api.example.com/users"), origin.exec)
	if err != nil {
		t.Fatalf("write failure leaked: %v", err)
	}
	if status != StatusMiss || string(resp.Body) != "body" {
		t.Errorf("got %q %q, want MISS body", status, resp.Body)
	}
}

func TestOrchestrator_SetStoreAndPrune(t *testing.T) {
	f := newFixture(t, Enabled(DefaultOptions()))
	f.origin.handler = reply(200, "body", "Cache-Control", "max-age=60, stale-if-error=600")
	f.do(t, get("https://api.example.com/users"))

	f.clock.Advance(2 * time.Minute)
	removed, err := f.orch.Prune(context.Background())
	if err != nil || removed != 1 {
		t.Errorf("Prune() = %d, %v, want 1", removed, err)
	}

	replacement := NewMemoryStore(5)
	f.orch.SetStore(replacement)
	if f.orch.Store() != Store(replacement) {
		t.Error("SetStore() did not swap the backend")
	}
	f.orch.SetStore(nil)
	if f.orch.Store() != Store(replacement) {
		t.Error("SetStore(nil) must be ignored")
	}
}

func TestNewOrchestrator_DefaultStore(t *testing.T) {
	orch := NewOrchestrator(Enabled(DefaultOptions()), nil)
	if orch.Store() == nil || orch.Store().Name() != "memory" {
		t.Error("nil store should default to a memory store")
	}
}
