/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"bytes"
	"net/http"
	"slices"
	"time"

	"github.com/acronis/go-admitkit/dedup"
	"github.com/acronis/go-admitkit/log"
)

// Deduplication response headers.
const (
	HeaderRequestDeduplicated = "X-Request-Deduplicated"
	HeaderIdempotencyKey      = "X-Idempotency-Key"
)

// DedupLogFieldKey is the name of the logged field that contains the deduplication key of the request.
const DedupLogFieldKey = "dedup_key"

// headers that are produced by net/http itself and must not be replayed.
var notRecordedHeaders = map[string]struct{}{
	"Content-Length": {},
	"Date":           {},
}

// DedupOpts represents an options for the Dedup middleware.
type DedupOpts struct {
	// Policy controls which requests are deduplicated. Zero value means dedup.DefaultPolicy.
	Policy *dedup.Policy
}

type dedupHandler struct {
	next  http.Handler
	cache *dedup.Cache
	keys  *dedup.KeyDeriver
}

// Dedup is a middleware that makes mutating requests idempotent.
// The first successful (2xx) response for a deduplication key is recorded,
// and requests with the same key are answered with the recorded response without calling the next handler.
func Dedup(cache *dedup.Cache) func(next http.Handler) http.Handler {
	return DedupWithOpts(cache, DedupOpts{})
}

// DedupWithOpts is a more configurable version of Dedup middleware.
func DedupWithOpts(cache *dedup.Cache, opts DedupOpts) func(next http.Handler) http.Handler {
	policy := dedup.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	keys := dedup.NewKeyDeriver(policy)
	return func(next http.Handler) http.Handler {
		return &dedupHandler{next: next, cache: cache, keys: keys}
	}
}

func (h *dedupHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	key, ok := h.keys.KeyFromRequest(r)
	if !ok {
		h.cache.Skipped()
		h.next.ServeHTTP(rw, r)
		return
	}

	lp := GetLoggingParamsFromContext(r.Context())
	startTime := time.Now()
	recorded, found := h.cache.Lookup(r.Context(), key)
	if lp != nil {
		lp.AddTimeSlotDurationInMs("dedup_lookup", time.Since(startTime))
	}
	if found {
		extendLoggingFields(lp, log.String(DedupLogFieldKey, key), log.Bool("deduplicated", true))
		h.replay(rw, key, recorded)
		return
	}

	headersBefore := rw.Header().Clone()
	wrw := WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	var body bytes.Buffer
	wrw.Tee(&body)
	h.next.ServeHTTP(wrw, r)
	wrw.Tee(nil)

	resp := &dedup.Response{
		Status: statusOf(wrw),
		Header: recordedHeaders(headersBefore, wrw.Header()),
		Body:   body.Bytes(),
	}
	if !resp.Cacheable() {
		return
	}
	extendLoggingFields(lp, log.String(DedupLogFieldKey, key))
	h.cache.StoreDetached(r.Context(), key, resp)
}

func (h *dedupHandler) replay(rw http.ResponseWriter, key string, resp *dedup.Response) {
	for name, values := range resp.Header {
		rw.Header()[name] = values
	}
	rw.Header().Set(HeaderRequestDeduplicated, "true")
	rw.Header().Set(HeaderIdempotencyKey, dedup.ClientKey(key))
	rw.WriteHeader(resp.Status)
	if len(resp.Body) != 0 {
		_, _ = rw.Write(resp.Body)
	}
}

// recordedHeaders returns the headers set or changed by the next handler.
func recordedHeaders(before, after http.Header) http.Header {
	res := make(http.Header, len(after))
	for name, values := range after {
		if _, skip := notRecordedHeaders[name]; skip {
			continue
		}
		if prev, ok := before[name]; ok && slices.Equal(prev, values) {
			continue
		}
		res[name] = append([]string(nil), values...)
	}
	return res
}
