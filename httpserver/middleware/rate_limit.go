/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/ratelimit"
	"github.com/acronis/go-admitkit/restapi"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitTier      = "X-RateLimit-Tier"
	HeaderRateLimitMode      = "X-RateLimit-Mode"
	HeaderRateLimitAdmin     = "X-RateLimit-Admin"
)

// RateLimitModeLocal is the X-RateLimit-Mode value sent when the window is counted by this instance only.
const RateLimitModeLocal = "local"

// rateLimitUnlimited is sent in X-RateLimit-Limit and X-RateLimit-Remaining for admin callers.
const rateLimitUnlimited = "unlimited"

// rateLimitAdminReset is how far X-RateLimit-Reset points into the future for admin callers.
const rateLimitAdminReset = time.Hour

// RateLimitLogFieldKey it is the name of the logged field that contains an identifier of the rate-limited caller.
const RateLimitLogFieldKey = "rate_limit_key"

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	ErrDomain  string
	Identifier string
	Endpoint   string
	Tier       ratelimit.Tier
	Result     ratelimit.Result
}

// RateLimitGetIdentifierFunc is a function that is called for getting the identifier of the caller.
type RateLimitGetIdentifierFunc func(r *http.Request) string

// RateLimitGetTierFunc is a function that is called for getting the tier of the caller.
type RateLimitGetTierFunc func(r *http.Request) ratelimit.Tier

// RateLimitIsAdminFunc reports whether the caller bypasses rate limiting.
type RateLimitIsAdminFunc func(r *http.Request) bool

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called in case of error that may occur during the rate limiting.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitOpts represents an options for the RateLimit middleware.
type RateLimitOpts struct {
	GetIdentifier RateLimitGetIdentifierFunc
	GetTier       RateLimitGetTierFunc
	// IsAdmin defaults to IsRateLimitAdmin.
	IsAdmin RateLimitIsAdminFunc
	// SkipPaths are path globs that are never rate limited. Nil means ratelimit.DefaultSkipPaths.
	SkipPaths []string
	DryRun    bool

	OnReject         RateLimitOnRejectFunc
	OnRejectInDryRun RateLimitOnRejectFunc
	OnError          RateLimitOnErrorFunc
}

type rateLimitHandler struct {
	next          http.Handler
	limiter       *ratelimit.Limiter
	errDomain     string
	getIdentifier RateLimitGetIdentifierFunc
	getTier       RateLimitGetTierFunc
	isAdmin       RateLimitIsAdminFunc
	skip          []func(string) bool
	onReject      RateLimitOnRejectFunc
	onError       RateLimitOnErrorFunc
}

// RateLimit is a middleware that limits the rate of HTTP requests per caller with the sliding-window limiter.
// The caller is the authenticated user from the request context or, for anonymous requests, the client IP.
func RateLimit(limiter *ratelimit.Limiter, errDomain string) func(next http.Handler) http.Handler {
	return RateLimitWithOpts(limiter, errDomain, RateLimitOpts{})
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of HTTP requests.
func RateLimitWithOpts(limiter *ratelimit.Limiter, errDomain string, opts RateLimitOpts) func(next http.Handler) http.Handler {
	if opts.GetIdentifier == nil {
		opts.GetIdentifier = GetRateLimitIdentifier
	}
	if opts.GetTier == nil {
		opts.GetTier = GetRateLimitTier
	}
	if opts.IsAdmin == nil {
		opts.IsAdmin = IsRateLimitAdmin
	}
	skipPaths := opts.SkipPaths
	if skipPaths == nil {
		skipPaths = ratelimit.DefaultSkipPaths
	}
	skip := make([]func(string) bool, 0, len(skipPaths))
	for _, pattern := range skipPaths {
		skip = append(skip, glob.Compile(pattern))
	}
	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:          next,
			limiter:       limiter,
			errDomain:     errDomain,
			getIdentifier: opts.GetIdentifier,
			getTier:       opts.GetTier,
			isAdmin:       opts.IsAdmin,
			skip:          skip,
			onReject:      makeRateLimitOnRejectFunc(opts),
			onError:       makeRateLimitOnErrorFunc(opts),
		}
	}
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	for _, match := range h.skip {
		if match(r.URL.Path) {
			h.next.ServeHTTP(rw, r)
			return
		}
	}

	if h.isAdmin(r) {
		setAdminRateLimitHeaders(rw, h.getTier(r), time.Now())
		h.next.ServeHTTP(rw, r)
		return
	}

	params := RateLimitParams{
		ErrDomain:  h.errDomain,
		Identifier: h.getIdentifier(r),
		Endpoint:   r.URL.Path,
		Tier:       h.getTier(r),
	}
	logger := GetLoggerFromContext(r.Context())

	startTime := time.Now()
	res, err := h.limiter.Check(r.Context(), params.Identifier, params.Endpoint, params.Tier)
	if lp := GetLoggingParamsFromContext(r.Context()); lp != nil {
		lp.AddTimeSlotDurationInMs("rate_limit", time.Since(startTime))
	}
	if err != nil {
		h.onError(rw, r, params, err, h.next, logger)
		return
	}
	params.Result = res

	setRateLimitHeaders(rw, res)
	if !res.Allowed {
		extendLoggingFields(GetLoggingParamsFromContext(r.Context()),
			log.String(RateLimitLogFieldKey, params.Identifier), log.String("rate_limit_rule", res.Rule))
		h.onReject(rw, r, params, h.next, logger)
		return
	}
	h.next.ServeHTTP(rw, r)
}

func setRateLimitHeaders(rw http.ResponseWriter, res ratelimit.Result) {
	h := rw.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
	if res.Tier != "" {
		h.Set(HeaderRateLimitTier, string(res.Tier))
	}
	if res.Local {
		h.Set(HeaderRateLimitMode, RateLimitModeLocal)
	}
}

func setAdminRateLimitHeaders(rw http.ResponseWriter, tier ratelimit.Tier, now time.Time) {
	h := rw.Header()
	if tier != "" {
		h.Set(HeaderRateLimitTier, string(tier))
	}
	h.Set(HeaderRateLimitLimit, rateLimitUnlimited)
	h.Set(HeaderRateLimitRemaining, rateLimitUnlimited)
	h.Set(HeaderRateLimitReset, strconv.FormatInt(now.Add(rateLimitAdminReset).Unix(), 10))
	h.Set(HeaderRateLimitAdmin, "true")
}

// IsRateLimitAdmin reports whether the authenticated caller from the request context is an admin.
func IsRateLimitAdmin(r *http.Request) bool {
	identity, ok := GetIdentityFromContext(r.Context())
	return ok && identity.Admin
}

// GetRateLimitIdentifier returns "user:<id>" for the authenticated caller and "ip:<client ip>" otherwise.
func GetRateLimitIdentifier(r *http.Request) string {
	if identity, ok := GetIdentityFromContext(r.Context()); ok && identity.UserID != "" {
		return "user:" + identity.UserID
	}
	return "ip:" + GetClientIP(r)
}

// GetRateLimitTier returns the tier of the authenticated caller and ratelimit.TierAnonymous otherwise.
func GetRateLimitTier(r *http.Request) ratelimit.Tier {
	if identity, ok := GetIdentityFromContext(r.Context()); ok {
		if identity.Tier != "" {
			return identity.Tier
		}
		if identity.UserID != "" {
			return ratelimit.TierAuthenticated
		}
	}
	return ratelimit.TierAnonymous
}

// DefaultRateLimitOnReject sends 429 HTTP response with Retry-After header when the rate limit is exceeded.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldKey, params.Identifier),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	retryAfter := time.Duration(params.Result.RetryAfter(time.Now())) * time.Second
	apiErr := restapi.NewError(params.ErrDomain, restapi.ErrCodeTooManyRequests, restapi.ErrMessageTooManyRequests).
		AddContext("limit", params.Result.Limit).
		AddContext("window", params.Result.Window.String())
	restapi.RespondErrorWithRetryAfter(rw, http.StatusTooManyRequests, retryAfter, apiErr, logger)
}

// DefaultRateLimitOnError responds with internal error when the rate limiter cannot be used for the request.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldKey, params.Identifier))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}

// DefaultRateLimitOnRejectInDryRun continues serving the request when the rate limit is exceeded in the dry-run mode.
func DefaultRateLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldKey, params.Identifier),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

func makeRateLimitOnRejectFunc(opts RateLimitOpts) RateLimitOnRejectFunc {
	if opts.DryRun {
		if opts.OnRejectInDryRun != nil {
			return opts.OnRejectInDryRun
		}
		return DefaultRateLimitOnRejectInDryRun
	}
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultRateLimitOnReject
}

func makeRateLimitOnErrorFunc(opts RateLimitOpts) RateLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultRateLimitOnError
}
