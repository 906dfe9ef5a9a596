package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Key namespaces. Auto-generated and custom keys never collide.
const (
	autoKeyPrefix   = "auto:"
	customKeyPrefix = "custom:"
)

// KeyGenerator derives cache keys from request details.
type KeyGenerator struct {
	// VaryHeaders are request headers whose values take part in the key, in this order.
	VaryHeaders []string
}

// NewKeyGenerator creates a key generator for the given vary headers.
func NewKeyGenerator(varyHeaders []string) KeyGenerator {
	names := make([]string, 0, len(varyHeaders))
	for _, name := range varyHeaders {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, http.CanonicalHeaderKey(name))
		}
	}
	return KeyGenerator{VaryHeaders: names}
}

// Generate returns a deterministic key for method, uri and the configured vary headers.
// The URI is used as sent; query parameter order is not normalized.
//
// Format: auto:<sha256 hex of METHOD|uri|Header=value|...>
func (g KeyGenerator) Generate(method, uri string, header http.Header) string {
	parts := []string{strings.ToUpper(method), uri}

	for _, name := range g.VaryHeaders {
		var values []string
		if header != nil {
			values = header.Values(name)
		}
		parts = append(parts, http.CanonicalHeaderKey(name)+"="+strings.Join(values, ","))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return autoKeyPrefix + hex.EncodeToString(sum[:])
}

// GenerateForRequest returns the key for req, honoring an explicit Request.CacheKey.
func (g KeyGenerator) GenerateForRequest(req *Request) string {
	if req.CacheKey != "" {
		return g.GenerateCustom(req.CacheKey)
	}
	return g.Generate(req.Method, req.URI, req.Header)
}

// GenerateCustom returns a key for an application-level identifier.
func (g KeyGenerator) GenerateCustom(name string) string {
	return customKeyPrefix + name
}

// IsCustomKey reports whether key was produced by GenerateCustom.
func IsCustomKey(key string) bool {
	return strings.HasPrefix(key, customKeyPrefix)
}
