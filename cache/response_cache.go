package cache

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
)

// Options configures a ResponseCache.
type Options struct {
	// Backend stores the entries.
	// Default: NewMemoryBackend()
	Backend Backend

	// Policy controls lifetimes and write-storm protection.
	// Default: DefaultPolicy()
	Policy *Policy

	Logger  observe.Logger
	Metrics observe.Metrics

	// Now is the clock used for entry timestamps and expiry.
	// Default: time.Now
	Now func() time.Time
}

// ResponseCache is the shared tagged store.
//
// Contract:
// - Concurrency: safe for concurrent use. Get holds a read lock; Put,
// Delete, Clear, Sweep and the invalidation methods hold the write lock for
// the index update and the backend mutation together.
// - Errors: Get never returns backend errors; it logs them and misses.
type ResponseCache struct {
	mu      sync.RWMutex
	backend Backend
	index   *TagIndex
	policy  Policy

	// untagged holds keys stored without tags so Sweep and Stats still
	// see them.
	untagged map[string]struct{}

	storm   *resilience.KeyedRateLimiter
	logger  observe.Logger
	metrics observe.Metrics
	now     func() time.Time

	// process is the ignore scope used outside any request scope.
	process *IgnoreScope
}

// NewResponseCache creates a ResponseCache.
func NewResponseCache(opts Options) *ResponseCache {
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &ResponseCache{
		backend:  opts.Backend,
		index:    NewTagIndex(),
		policy:   policy,
		untagged: make(map[string]struct{}),
		logger:   observe.OrNop(opts.Logger).WithComponent("cache"),
		metrics:  observe.MetricsOrNop(opts.Metrics),
		now:      opts.Now,
		process:  NewIgnoreScope(),
	}
	if policy.stampedeGuarded() {
		c.storm = resilience.NewKeyedRateLimiter(resilience.PerWindow(policy.StampedeThreshold, policy.window()))
	}
	return c
}

// Backend returns the underlying backend.
func (c *ResponseCache) Backend() Backend {
	return c.backend
}

// Get returns the payload stored under key. Absent, expired and
// unreadable entries are misses; an expired entry is removed and unbound.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := c.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// Lookup is Get returning the whole entry.
func (c *ResponseCache) Lookup(ctx context.Context, key string) (Entry, bool) {
	if ValidateKey(key) != nil {
		return Entry{}, false
	}

	c.mu.RLock()
	e, ok, err := c.backend.Get(ctx, key)
	c.mu.RUnlock()

	if err != nil {
		c.backendFailed(ctx, "get", key, err)
		return Entry{}, false
	}
	if !ok {
		if c.bound(key) {
			c.reap(ctx, key)
		}
		return Entry{}, false
	}
	if e.Expired(c.now()) {
		c.reap(ctx, key)
		return Entry{}, false
	}
	return e, true
}

// Put stores e. Its Created time is stamped by the cache.
//
// The entry is skipped, with a nil error, when any of its tags is ignored in
// the active IgnoreScope. A non-forced write is rejected with ErrWriteStorm
// when more than Policy.StampedeThreshold writes of the same priority land
// in one window. A cancelled ctx never writes.
func (c *ResponseCache) Put(ctx context.Context, e Entry, force bool) error {
	if err := ValidateKey(e.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tag, ignored := c.ignoreScope(ctx).AnyIgnored(e.Tags); ignored {
		c.logger.Debug(ctx, "entry skipped: tag ignored on save", observe.F("key", e.Key), observe.F("tag", tag))
		return nil
	}
	if !force && c.storm != nil && !c.storm.Allow(strconv.Itoa(e.Priority)) {
		c.logger.Warn(ctx, "write storm: entry rejected", observe.F("key", e.Key), observe.F("priority", e.Priority))
		return ErrWriteStorm
	}

	e.Payload = slices.Clone(e.Payload)
	e.Tags = dedupe(e.Tags)
	e.Lifetime = c.policy.EffectiveLifetime(e.Lifetime)
	e.Created = c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.Set(ctx, e); err != nil {
		return c.backendFailed(ctx, "set", e.Key, err)
	}
	c.forget(e.Key)
	if len(e.Tags) == 0 {
		c.untagged[e.Key] = struct{}{}
	}
	for _, tag := range e.Tags {
		c.index.Bind(tag, e.Key)
	}
	return nil
}

// InvalidateByTag removes every entry bound to tag and returns their keys.
func (c *ResponseCache) InvalidateByTag(ctx context.Context, tag string) []string {
	c.mu.Lock()
	keys := c.index.Invalidate(tag)
	for _, key := range keys {
		if err := c.backend.Delete(ctx, key); err != nil {
			c.backendFailed(ctx, "delete", key, err)
		}
	}
	c.mu.Unlock()

	c.metrics.RecordInvalidation(ctx, tag, len(keys))
	if len(keys) > 0 {
		c.logger.Debug(ctx, "tag invalidated", observe.F("tag", tag), observe.F("removed", len(keys)))
	}
	return keys
}

// InvalidateTags invalidates each tag and returns the number of removed
// entries.
func (c *ResponseCache) InvalidateTags(ctx context.Context, tags ...string) int {
	n := 0
	for _, tag := range tags {
		n += len(c.InvalidateByTag(ctx, tag))
	}
	return n
}

// Delete removes key and unbinds it from its tags.
func (c *ResponseCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.forget(key)
	if err := c.backend.Delete(ctx, key); err != nil {
		return c.backendFailed(ctx, "delete", key, err)
	}
	return nil
}

// Clear removes every entry and binding.
func (c *ResponseCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index.Reset()
	clear(c.untagged)
	if err := c.backend.Clear(ctx); err != nil {
		return c.backendFailed(ctx, "clear", "", err)
	}
	return nil
}

// Sweep removes expired entries and bindings whose entry is gone. It
// returns the number of keys removed.
func (c *ResponseCache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.knownKeys() {
		if ctx.Err() != nil {
			break
		}
		e, ok, err := c.backend.Get(ctx, key)
		if err != nil {
			c.backendFailed(ctx, "get", key, err)
			continue
		}
		if ok && !e.Expired(now) {
			continue
		}
		c.forget(key)
		if ok {
			if err := c.backend.Delete(ctx, key); err != nil {
				c.backendFailed(ctx, "delete", key, err)
			}
		}
		removed++
	}
	return removed
}

// Tags returns the tags key is bound under.
func (c *ResponseCache) Tags(key string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Tags(key)
}

// Keys returns the keys bound under tag.
func (c *ResponseCache) Keys(tag string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Keys(tag)
}

// AddIgnoredTagOnSave suppresses tag for later Put calls in the same
// request scope, or process-wide when ctx carries no scope.
func (c *ResponseCache) AddIgnoredTagOnSave(ctx context.Context, tag string) {
	c.ignoreScope(ctx).Add(tag)
}

// RemoveIgnoredTagOnSave lifts a suppression added by AddIgnoredTagOnSave.
func (c *ResponseCache) RemoveIgnoredTagOnSave(ctx context.Context, tag string) {
	c.ignoreScope(ctx).Remove(tag)
}

// IsTagIgnored reports whether tag is suppressed for ctx.
func (c *ResponseCache) IsTagIgnored(ctx context.Context, tag string) bool {
	return c.ignoreScope(ctx).Ignored(tag)
}

// ResetIgnoredTags clears the process-wide ignore scope.
func (c *ResponseCache) ResetIgnoredTags() {
	c.process.Reset()
}

// Stats reports backend statistics when the backend supports them.
func (c *ResponseCache) Stats(ctx context.Context) (Stats, error) {
	if sr, ok := c.backend.(StatsReporter); ok {
		return sr.Stats(ctx)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Entries: len(c.knownKeys())}, nil
}

// Ping probes the backend when it supports probing.
func (c *ResponseCache) Ping(ctx context.Context) error {
	if p, ok := c.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *ResponseCache) ignoreScope(ctx context.Context) *IgnoreScope {
	if s, ok := IgnoreScopeFrom(ctx); ok {
		return s
	}
	return c.process
}

func (c *ResponseCache) bound(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.untagged[key]; ok {
		return true
	}
	return len(c.index.Tags(key)) > 0
}

// forget drops every record of key. The caller holds c.mu.
func (c *ResponseCache) forget(key string) {
	c.index.UnbindKey(key)
	delete(c.untagged, key)
}

// knownKeys returns the tagged and untagged keys. The caller holds c.mu.
func (c *ResponseCache) knownKeys() []string {
	keys := c.index.AllKeys()
	for key := range c.untagged {
		keys = append(keys, key)
	}
	return keys
}

// reap removes an expired entry, or unbinds a key whose entry vanished from
// the backend (a remote backend expiring it natively). The state is
// re-read under the write lock since a concurrent Put may have replaced it.
func (c *ResponseCache) reap(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.backend.Get(ctx, key)
	if err != nil || (ok && !e.Expired(c.now())) {
		return
	}
	c.forget(key)
	if ok {
		if err := c.backend.Delete(ctx, key); err != nil {
			c.backendFailed(ctx, "delete", key, err)
		}
	}
}

func (c *ResponseCache) backendFailed(ctx context.Context, op, key string, err error) error {
	var bf *BackendFailure
	if !errors.As(err, &bf) {
		bf = &BackendFailure{Backend: c.backend.Name(), Op: op, Key: key, Err: err}
	}
	c.metrics.RecordBackendError(ctx, bf.Backend, op)
	c.logger.Warn(ctx, "cache backend failure",
		observe.F("backend", bf.Backend), observe.F("op", op), observe.F("key", key), observe.Err(bf.Err))
	return bf
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
