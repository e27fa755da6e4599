package cache

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/pagecache/observe"
)

// TagInline marks fragment entries. The full-page gate ignores it for the
// rest of a request whose page is not cacheable.
const TagInline = "output_inline"

// DefaultFragmentPriority is the priority fragment writes are stored with.
const DefaultFragmentPriority = 100

// RenderFunc produces a fragment.
type RenderFunc func(ctx context.Context) ([]byte, error)

// SkipRule reports whether a fragment must bypass the cache.
type SkipRule func(name string, tags []string) bool

// PrivateTags mark fragments that depend on the visitor and are never cached.
var PrivateTags = []string{"private", "session", "nocache", "user"}

// DefaultSkipRule skips fragments carrying any of PrivateTags,
// case-insensitively.
func DefaultSkipRule(_ string, tags []string) bool {
	for _, tag := range tags {
		for _, private := range PrivateTags {
			if strings.EqualFold(tag, private) {
				return true
			}
		}
	}
	return false
}

// FragmentOptions configures a FragmentCache.
type FragmentOptions struct {
	// Lifetime of stored fragments.
	// Default: 0 (the cache policy decides)
	Lifetime time.Duration

	// Priority of fragment writes.
	// Default: DefaultFragmentPriority
	Priority int

	// Keyer derives fragment keys.
	// Default: NewDefaultKeyer()
	Keyer Keyer

	// Skip bypasses caching for matching fragments.
	// Default: DefaultSkipRule
	Skip SkipRule

	Logger observe.Logger
}

// FragmentCache memoizes rendered snippets in a ResponseCache.
// Concurrent renders of the same fragment are collapsed into one.
type FragmentCache struct {
	cache  *ResponseCache
	opts   FragmentOptions
	logger observe.Logger
	group  singleflight.Group
}

// NewFragmentCache creates a FragmentCache over c.
func NewFragmentCache(c *ResponseCache, opts FragmentOptions) *FragmentCache {
	if opts.Priority == 0 {
		opts.Priority = DefaultFragmentPriority
	}
	if opts.Keyer == nil {
		opts.Keyer = NewDefaultKeyer()
	}
	if opts.Skip == nil {
		opts.Skip = DefaultSkipRule
	}
	return &FragmentCache{
		cache:  c,
		opts:   opts,
		logger: observe.OrNop(opts.Logger).WithComponent("fragment"),
	}
}

// Render returns the cached fragment for (name, params) or renders and
// stores it under tags plus TagInline. Render errors are returned and
// never cached. A rejected write still returns the rendered bytes.
func (f *FragmentCache) Render(ctx context.Context, name string, params any, tags []string, render RenderFunc) ([]byte, error) {
	if f.opts.Skip(name, tags) {
		return render(ctx)
	}

	key, err := f.opts.Keyer.Key(name, params)
	if err != nil {
		f.logger.Warn(ctx, "fragment key failed; rendering uncached", observe.F("fragment", name), observe.Err(err))
		return render(ctx)
	}

	if cached, ok := f.cache.Get(ctx, key); ok {
		return cached, nil
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		out, err := render(ctx)
		if err != nil {
			return nil, err
		}
		entry := Entry{
			Key:      key,
			Payload:  out,
			Tags:     append([]string{TagInline}, tags...),
			Lifetime: f.opts.Lifetime,
			Priority: f.opts.Priority,
		}
		if err := f.cache.Put(ctx, entry, false); err != nil {
			f.logger.Debug(ctx, "fragment not stored", observe.F("key", key), observe.Err(err))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
