package fullpage

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/observe"
)

// Disable reasons written to HeaderDisableReason.
const (
	ReasonMethod          = "HTTP method is not cacheable"
	ReasonNoCacheControl  = "HTTP Header Cache-Control: no-cache was sent"
	ReasonNoCachePragma   = "HTTP Header Pragma: no-cache was sent"
	ReasonSettings        = "full page cache is disabled in settings"
	ReasonDebug           = "debug mode is active"
	ReasonExcludeCookie   = "exclude cookie matches"
	ReasonBackendUser     = "backend user is logged in"
	ReasonSessionError    = "ERROR: session check failed"
	ReasonExcludePath     = "exclude path pattern matches"
	ReasonTargeting       = "targeting matched rules/target groups"
	ReasonNotCacheable    = "Response can't be cached"
	ReasonSessionInUse    = "Session in use"
	ReasonRequestCanceled = "request canceled"
)

// Page tags.
const (
	TagOutput         = "output"
	TagOutputLifetime = "output_lifetime"
)

// Options configures a GateKeeper.
type Options struct {
	Settings Settings

	// Sessions detects privileged sessions. Nil means none exist.
	Sessions SessionChecker

	// Targeting detects personalized visitors. Nil means none are.
	Targeting Targeting

	// Devices classifies the client.
	// Default: UserAgentDetector{}
	Devices DeviceDetector

	Hooks Hooks

	Logger  observe.Logger
	Metrics observe.Metrics
	Tracer  observe.Tracer

	// Now is the clock for cache dates and Age.
	// Default: time.Now
	Now func() time.Time
}

// GateKeeper decides per request whether a page is served from, or stored
// into, the response cache.
//
// Contract:
// - Concurrency: safe for concurrent use; all request state lives in the
// request's Decision.
// - Errors: cache failures never fail a request. They are logged and the
// request proceeds uncached.
type GateKeeper struct {
	cache     *cache.ResponseCache
	rules     *Rules
	sessions  SessionChecker
	targeting Targeting
	devices   DeviceDetector
	hooks     Hooks
	logger    observe.Logger
	metrics   observe.Metrics
	run       *observe.Middleware
	now       func() time.Time
}

// NewGateKeeper creates a GateKeeper over c. Exclude patterns that fail to
// compile are logged and skipped.
func NewGateKeeper(c *cache.ResponseCache, opts Options) (*GateKeeper, error) {
	if c == nil {
		return nil, ErrNilCache
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Devices == nil {
		opts.Devices = UserAgentDetector{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := observe.OrNop(opts.Logger).WithComponent("fullpage")
	metrics := observe.MetricsOrNop(opts.Metrics)

	rules, errs := opts.Settings.Compile()
	for _, err := range errs {
		logger.Error(context.Background(), "exclude pattern skipped", observe.Err(err))
	}

	return &GateKeeper{
		cache:     c,
		rules:     rules,
		sessions:  opts.Sessions,
		targeting: opts.Targeting,
		devices:   opts.Devices,
		hooks:     opts.Hooks,
		logger:    logger,
		metrics:   metrics,
		run:       observe.NewMiddleware(opts.Tracer, metrics, logger),
		now:       opts.Now,
	}, nil
}

// Rules returns the compiled settings.
func (g *GateKeeper) Rules() *Rules {
	return g.rules
}

// Middleware wraps next with the full-page cache.
func (g *GateKeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, nested := DecisionFromContext(r.Context()); nested {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(HeaderSubrequest) != "" {
			next.ServeHTTP(w, r.WithContext(withDecision(r.Context(), newDecision(StateInactive))))
			return
		}

		ctx := cache.WithIgnoreScope(r.Context())
		d := newDecision(StateEnabled)
		d.onDisable = func() { g.cache.AddIgnoredTagOnSave(ctx, cache.TagInline) }
		r = r.WithContext(withDecision(ctx, d))

		if hit := g.begin(r, d); hit != nil {
			hit.writeTo(w)
			return
		}

		rec := newRecorder(w, d)
		next.ServeHTTP(rec, r)
		g.finish(r, d, rec)
	})
}

// begin runs the request pipeline on d and, when the gate stays enabled,
// looks the page up. A non-nil result has been stamped with the cache tag
// and Age headers and d is in StateServed.
func (g *GateKeeper) begin(r *http.Request, d *Decision) *StoredResponse {
	ctx := r.Context()
	device := g.devices.Detect(r)
	d.setDevice(device)

	if reason, disabled := g.evaluate(r, d); disabled {
		d.Disable(reason)
		g.metrics.RecordBypass(ctx, reason)
		g.logger.Debug(ctx, "full page cache disabled", observe.F("reason", reason), observe.F("uri", requestURI(r)))
		return nil
	}

	key := RequestKey(r)
	d.setKey(key)

	var hit *StoredResponse
	var servedKey string
	_ = g.run.Run(ctx, observe.Operation{Component: "fullpage", Name: "lookup", Target: key}, func(ctx context.Context) error {
		hit, servedKey = g.lookup(ctx, key, device)
		return nil
	})
	g.metrics.RecordLookup(ctx, hit != nil)
	if hit == nil || !d.served() {
		return nil
	}

	hit.Header.Set(HeaderCacheTag, servedKey)
	if date, ok := hit.CacheDate(); ok {
		age := max(int64(g.now().Sub(date)/time.Second), 0)
		hit.Header.Set("Age", strconv.FormatInt(age, 10))
	}
	return hit
}

// evaluate applies the ordered pipeline. The first matching rule wins.
func (g *GateKeeper) evaluate(r *http.Request, d *Decision) (string, bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return ReasonMethod, true
	}
	if !isSecure(r) {
		if r.Header.Get("Cache-Control") == "no-cache" {
			return ReasonNoCacheControl, true
		}
		if r.Header.Get("Pragma") == "no-cache" {
			return ReasonNoCachePragma, true
		}
	}
	if !g.rules.Enabled {
		return ReasonSettings, true
	}
	if g.rules.Debug {
		return ReasonDebug, true
	}

	d.SetLifetime(g.rules.Lifetime())
	for _, name := range g.rules.cookies {
		if _, err := r.Cookie(name); err == nil {
			return ReasonExcludeCookie, true
		}
	}

	if g.sessions != nil {
		privileged, err := g.sessions.Privileged(r)
		if err != nil {
			g.logger.Error(r.Context(), "session check failed", observe.Err(err))
			return ReasonSessionError, true
		}
		if privileged {
			return ReasonBackendUser, true
		}
	}

	if g.rules.Excluded(requestURI(r)) {
		return ReasonExcludePath, true
	}

	if g.targeting != nil {
		if info, ok := g.targeting.VisitorInfo(r); ok && info.Personalized() {
			return ReasonTargeting, true
		}
	}
	return "", false
}

func (g *GateKeeper) lookup(ctx context.Context, key, device string) (*StoredResponse, string) {
	for _, candidate := range LookupKeys(key, device) {
		payload, ok := g.cache.Get(ctx, candidate)
		if !ok {
			continue
		}
		resp, err := decodeResponse(payload)
		if err != nil {
			g.logger.Warn(ctx, "stored page unreadable", observe.F("key", candidate), observe.Err(err))
			continue
		}
		return resp, candidate
	}
	return nil, ""
}

// finish runs the response side for a buffered handler response and sends
// it to the client.
func (g *GateKeeper) finish(r *http.Request, d *Decision, rec *recorder) {
	ctx := r.Context()
	resp := rec.snapshot()
	sessionUsed, streamed, expireHdr := d.flags()

	cacheable := !streamed
	if g.hooks.CacheResponse != nil {
		cacheable = g.hooks.CacheResponse(r, resp, cacheable)
	}
	if !cacheable {
		d.Disable(ReasonNotCacheable)
	}
	if sessionUsed {
		d.Disable(ReasonSessionInUse)
	}
	if ctx.Err() != nil {
		d.Disable(ReasonRequestCanceled)
	}

	if reason := d.DisableReason(); reason != "" && !streamed {
		rec.header.Set(HeaderDisableReason, reason)
	}

	if d.Enabled() && resp.Status == http.StatusOK {
		lifetime := d.Lifetime()
		if lifetime > 0 && expireHdr {
			rec.header.Set("Cache-Control", "public, max-age="+strconv.Itoa(int(lifetime/time.Second)))
			rec.header.Set("Expires", g.now().Add(lifetime).UTC().Format(http.TimeFormat))
		}
		rec.header.Set(HeaderCacheDate, g.now().UTC().Format(time.RFC3339))
		g.store(ctx, r, d, rec.snapshot(), lifetime)
	} else {
		g.cache.AddIgnoredTagOnSave(ctx, cache.TagInline)
	}

	rec.commit()
}

func (g *GateKeeper) store(ctx context.Context, r *http.Request, d *Decision, resp *StoredResponse, lifetime time.Duration) {
	if g.hooks.PrepareResponse != nil {
		if prepared := g.hooks.PrepareResponse(r, resp.Clone()); prepared != nil {
			resp = prepared
		}
	}
	tag := TagOutput
	if lifetime > 0 {
		tag = TagOutputLifetime
	}
	key := d.storeKey()

	err := g.run.Run(ctx, observe.Operation{Component: "fullpage", Name: "store", Target: key}, func(ctx context.Context) error {
		payload, err := encodeResponse(resp)
		if err != nil {
			return err
		}
		return g.cache.Put(ctx, cache.Entry{
			Key:      key,
			Payload:  payload,
			Tags:     d.pageTags(tag),
			Lifetime: lifetime,
			Priority: g.rules.Priority,
		}, true)
	})
	if err != nil {
		g.logger.Warn(ctx, "page not stored", observe.F("key", key), observe.Err(err))
		return
	}
	g.metrics.RecordStore(ctx, tag)
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
