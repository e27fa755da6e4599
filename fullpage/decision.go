package fullpage

import (
	"context"
	"sync"
	"time"
)

// State is the position of a request in the gate state machine.
type State int

const (
	// StateInactive marks a sub-request; the outer request's decision
	// governs.
	StateInactive State = iota
	StateEnabled
	StateDisabled
	StateServed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateServed:
		return "served"
	default:
		return "unknown"
	}
}

// Decision is the request-local cacheability state.
//
// Contract:
// - Transitions: enabled -> disabled and enabled -> served only. Both end
// states are final; later Disable or serve calls are no-ops.
// - Concurrency: safe for use by goroutines spawned by the handler.
type Decision struct {
	mu          sync.Mutex
	state       State
	reason      string
	lifetime    time.Duration
	expireHdr   bool
	cacheKey    string
	device      string
	deviceUsed  bool
	sessionUsed bool
	streamed    bool
	tags        []string
	onDisable   func()
}

func newDecision(state State) *Decision {
	return &Decision{state: state, expireHdr: true}
}

// State returns the current state.
func (d *Decision) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Enabled reports whether the page may still be stored.
func (d *Decision) Enabled() bool {
	return d.State() == StateEnabled
}

// StopPropagation reports whether the response came from the cache and the
// handler must be skipped.
func (d *Decision) StopPropagation() bool {
	return d.State() == StateServed
}

// DisableReason returns the reason recorded by the disabling transition.
func (d *Decision) DisableReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

// Lifetime returns the lifetime stored pages get.
func (d *Decision) Lifetime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lifetime
}

// CacheKey returns the device-agnostic key derived for the request.
func (d *Decision) CacheKey() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cacheKey
}

// Disable moves an enabled decision to disabled. It returns false when the
// decision had already left the enabled state.
func (d *Decision) Disable(reason string) bool {
	d.mu.Lock()
	if d.state != StateEnabled {
		d.mu.Unlock()
		return false
	}
	d.state = StateDisabled
	d.reason = reason
	hook := d.onDisable
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true
}

// SetLifetime overrides the configured lifetime for this request.
func (d *Decision) SetLifetime(l time.Duration) {
	d.mu.Lock()
	d.lifetime = max(l, 0)
	d.mu.Unlock()
}

// DisableExpireHeader keeps Cache-Control and Expires off the stored page.
func (d *Decision) DisableExpireHeader() {
	d.mu.Lock()
	d.expireHdr = false
	d.mu.Unlock()
}

func (d *Decision) served() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateEnabled {
		return false
	}
	d.state = StateServed
	return true
}

func (d *Decision) setKey(key string) {
	d.mu.Lock()
	d.cacheKey = key
	d.mu.Unlock()
}

func (d *Decision) setDevice(device string) {
	d.mu.Lock()
	d.device = device
	d.mu.Unlock()
}

func (d *Decision) consultDevice() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceUsed = true
	return d.device
}

// storeKey returns the key a page is stored under: the device variant when
// the device was consulted during the request.
func (d *Decision) storeKey() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deviceUsed && d.device != "" {
		return d.cacheKey + "_" + d.device
	}
	return d.cacheKey
}

func (d *Decision) markSession() {
	d.mu.Lock()
	d.sessionUsed = true
	d.mu.Unlock()
}

func (d *Decision) markStreamed() {
	d.mu.Lock()
	d.streamed = true
	d.mu.Unlock()
}

func (d *Decision) addTags(tags []string) {
	d.mu.Lock()
	d.tags = append(d.tags, tags...)
	d.mu.Unlock()
}

func (d *Decision) pageTags(base string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{base}, d.tags...)
}

func (d *Decision) flags() (sessionUsed, streamed, expireHdr bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionUsed, d.streamed, d.expireHdr
}

type decisionKey struct{}

func withDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the decision of the request carried by ctx.
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(*Decision)
	return d, ok
}

// Disable disables full-page caching for the request carried by ctx.
func Disable(ctx context.Context, reason string) {
	if d, ok := DecisionFromContext(ctx); ok {
		d.Disable(reason)
	}
}

// MarkSessionUsed records that the handler started or read a visitor
// session. Such pages are personalized and are not stored.
func MarkSessionUsed(ctx context.Context) {
	if d, ok := DecisionFromContext(ctx); ok {
		d.markSession()
	}
}

// MarkStreamed records that the response is a stream or a file transfer.
// Such responses are not stored.
func MarkStreamed(ctx context.Context) {
	if d, ok := DecisionFromContext(ctx); ok {
		d.markStreamed()
	}
}

// Tag binds the stored page to tags in addition to the output tag, so
// invalidating any of them evicts the page. Handlers tag pages with the
// objects they render.
func Tag(ctx context.Context, tags ...string) {
	if d, ok := DecisionFromContext(ctx); ok {
		d.addTags(tags)
	}
}

// Device returns the device class detected for the request and records
// that the page depends on it, so it is stored under the device key.
func Device(ctx context.Context) string {
	if d, ok := DecisionFromContext(ctx); ok {
		return d.consultDevice()
	}
	return ""
}
