/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/vasayxtx/go-glob"
)

// Headers with an explicit client-provided idempotency key, in lookup order.
const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderXIdempotencyKey = "X-Idempotency-Key"
)

// Key namespaces.
const (
	ExplicitKeyPrefix = "idempotency:"
	AutoKeyPrefix     = "dedup:"
)

// DefaultExcludedPaths are the path globs that are never deduplicated.
var DefaultExcludedPaths = []string{"/api/auth", "/api/auth/*"}

// DefaultMaxBodySize bounds the request body hashed when Policy.IncludeBody is set.
const DefaultMaxBodySize = 1 << 20

// Policy controls which requests are deduplicated and how their keys are derived.
type Policy struct {
	// ExcludedPaths are path globs ("*" matches any sequence) that are never deduplicated.
	ExcludedPaths []string
	// AutoDedup derives keys for mutating requests without an explicit idempotency key.
	AutoDedup bool
	// IncludeBody adds the request body to the auto-derived key.
	IncludeBody bool
	// MaxBodySize is the largest body hashed with IncludeBody; larger requests are not deduplicated.
	MaxBodySize int64
}

// DefaultPolicy returns the default deduplication policy.
func DefaultPolicy() Policy {
	return Policy{ExcludedPaths: DefaultExcludedPaths, AutoDedup: true, MaxBodySize: DefaultMaxBodySize}
}

// KeyDeriver derives deduplication keys from requests according to the Policy.
type KeyDeriver struct {
	policy   Policy
	excluded []func(string) bool
}

// NewKeyDeriver compiles the policy.
func NewKeyDeriver(policy Policy) *KeyDeriver {
	if policy.MaxBodySize <= 0 {
		policy.MaxBodySize = DefaultMaxBodySize
	}
	excluded := make([]func(string) bool, 0, len(policy.ExcludedPaths))
	for _, pattern := range policy.ExcludedPaths {
		excluded = append(excluded, glob.Compile(pattern))
	}
	return &KeyDeriver{policy: policy, excluded: excluded}
}

// KeyFromRequest returns the deduplication key of the request.
// The second value is false if the request must not be deduplicated.
func (kd *KeyDeriver) KeyFromRequest(r *http.Request) (string, bool) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "", false
	}
	for _, match := range kd.excluded {
		if match(r.URL.Path) {
			return "", false
		}
	}

	for _, header := range [...]string{HeaderIdempotencyKey, HeaderXIdempotencyKey} {
		if key := strings.TrimSpace(r.Header.Get(header)); key != "" {
			return ExplicitKeyPrefix + key, true
		}
	}

	if !kd.policy.AutoDedup {
		return "", false
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return "", false
	}

	h := sha256.New()
	_, _ = io.WriteString(h, r.Method+"\n"+r.URL.Path+"\n"+sortedQuery(r))
	if kd.policy.IncludeBody && r.Body != nil && r.Body != http.NoBody {
		body, ok := kd.readBody(r)
		if !ok {
			return "", false
		}
		_, _ = io.WriteString(h, "\n")
		_, _ = h.Write(body)
	}
	return AutoKeyPrefix + hex.EncodeToString(h.Sum(nil)), true
}

// ClientKey returns the client-facing form of a deduplication key without its namespace:
// the idempotency header value for explicit keys and the request hash for auto-derived ones.
func ClientKey(key string) string {
	if k, ok := strings.CutPrefix(key, ExplicitKeyPrefix); ok {
		return k
	}
	return strings.TrimPrefix(key, AutoKeyPrefix)
}

// readBody reads up to MaxBodySize bytes and puts them back in front of the unread rest.
func (kd *KeyDeriver) readBody(r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, kd.policy.MaxBodySize+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
	if err != nil || int64(len(body)) > kd.policy.MaxBodySize {
		return nil, false
	}
	return body, true
}

func sortedQuery(r *http.Request) string {
	query := r.URL.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}
