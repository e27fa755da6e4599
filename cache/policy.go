package cache

import "time"

// Policy configures lifetimes and write-storm protection.
type Policy struct {
	// DefaultLifetime applies to Put calls that pass no lifetime.
	// Zero stores such entries without a lifetime.
	DefaultLifetime time.Duration `yaml:"default_lifetime" env:"DEFAULT_LIFETIME"`

	// MaxLifetime clamps every lifetime. Zero means no maximum.
	MaxLifetime time.Duration `yaml:"max_lifetime" env:"MAX_LIFETIME"`

	// StampedeThreshold is how many non-forced writes of equal priority are
	// admitted per StampedeWindow. Zero disables the guard.
	// Default: 100
	StampedeThreshold int `yaml:"stampede_threshold" env:"STAMPEDE_THRESHOLD"`

	// StampedeWindow is the window StampedeThreshold is measured over.
	// Default: 1s
	StampedeWindow time.Duration `yaml:"stampede_window" env:"STAMPEDE_WINDOW"`
}

// DefaultPolicy returns the default policy: no default lifetime, no
// maximum, 100 writes per priority per second.
func DefaultPolicy() Policy {
	return Policy{
		StampedeThreshold: 100,
		StampedeWindow:    time.Second,
	}
}

// EffectiveLifetime returns the lifetime to store, applying the default and
// the clamp.
func (p Policy) EffectiveLifetime(requested time.Duration) time.Duration {
	l := requested
	if l <= 0 {
		l = p.DefaultLifetime
	}
	if p.MaxLifetime > 0 && (l <= 0 || l > p.MaxLifetime) {
		l = p.MaxLifetime
	}
	if l < 0 {
		return 0
	}
	return l
}

// stampedeGuarded reports whether write-storm protection is active.
func (p Policy) stampedeGuarded() bool {
	return p.StampedeThreshold > 0
}

func (p Policy) window() time.Duration {
	if p.StampedeWindow <= 0 {
		return time.Second
	}
	return p.StampedeWindow
}
