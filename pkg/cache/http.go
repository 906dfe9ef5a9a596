package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HeaderCacheStatus is the informational header added to responses the cache handled.
const HeaderCacheStatus = "X-Cache-Status"

// Status is the cache outcome reported for a request.
type Status string

const (
	// StatusNone means caching was disabled; no annotation is added.
	StatusNone Status = ""

	// StatusHit means the response was served from the cache (fresh or revalidated).
	StatusHit Status = "HIT"

	// StatusMiss means the response came from the transport.
	StatusMiss Status = "MISS"

	// StatusStale means a stale entry was served because the transport failed.
	StatusStale Status = "STALE"
)

// Request describes an outgoing request as seen by the cache.
type Request struct {
	Method string
	// URI is the absolute request URI including the raw query as sent.
	URI    string
	Header http.Header
	Body   []byte

	// ForceRefresh skips the lookup; the fresh response may still be stored.
	ForceRefresh bool

	// CacheKey, when set, keys the request by this application-level identifier
	// instead of its method, URI and vary headers.
	CacheKey string
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response is a fully buffered response value.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// NewRequest converts an *http.Request into a cache Request, buffering its body.
// The original request body is restored so the caller can still send it.
func NewRequest(req *http.Request) (*Request, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(b))
		body = b
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	return &Request{
		Method: strings.ToUpper(method),
		URI:    req.URL.String(),
		Header: header,
		Body:   body,
	}, nil
}

// NewResponse reads an *http.Response into a Response value and closes its body.
func NewResponse(resp *http.Response) (*Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// HTTPResponse converts r into an *http.Response answering req.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// StatusOf returns the cache status annotation carried by resp.
func StatusOf(resp *http.Response) Status {
	if resp == nil {
		return StatusNone
	}
	return Status(resp.Header.Get(HeaderCacheStatus))
}
