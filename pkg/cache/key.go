package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Key identifies one logical API resource for caching purposes.
// The cache treats the rendered String() as an opaque exact-match key.
type Key struct {
	// Method is the HTTP method (default GET)
	Method string

	// Path is the API path (e.g., "/repos/{owner}/{repo}/pulls")
	Path string

	// Query holds the query parameters that select the resource
	Query url.Values

	// Scope separates responses seen by different credentials (empty for anonymous)
	Scope string
}

// String generates a deterministic cache key string.
// Format: gh:METHOD:path:query1=val1:query2=val2:scope=abc
//
// Example:
//
//	gh:GET:repos/owner/repo/pulls:page=2:state=open
func (k Key) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}
	parts := []string{"gh", method}

	// Add path (normalize slashes)
	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	// Add query params (sorted for determinism)
	if len(k.Query) > 0 {
		queryKeys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.Query[key]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}

// KeyForRequest builds the cache key for req under the given scope.
func KeyForRequest(req *http.Request, scope string) Key {
	return Key{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Scope:  scope,
	}
}

// ScopeForToken derives a stable, non-reversible scope from an API token.
// An empty token yields an empty scope.
func ScopeForToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
