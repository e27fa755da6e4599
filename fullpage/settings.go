package fullpage

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultPriority is the priority full pages are stored with.
const DefaultPriority = 1000

// Settings is the full_page_cache configuration block.
type Settings struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// LifetimeSeconds bounds stored pages and drives Cache-Control and
	// Expires. Zero stores pages without a lifetime.
	LifetimeSeconds int `yaml:"lifetime" env:"LIFETIME"`

	// ExcludePatterns is a comma separated list of regular expressions
	// matched against the request URI. Delimited forms such as "@^/admin@i"
	// are accepted.
	ExcludePatterns string `yaml:"exclude_patterns" env:"EXCLUDE_PATTERNS"`

	// ExcludeCookie is a comma separated list of cookie names whose presence
	// bypasses the cache.
	ExcludeCookie string `yaml:"exclude_cookie" env:"EXCLUDE_COOKIE"`

	// Priority of stored pages.
	// Default: DefaultPriority
	Priority int `yaml:"priority" env:"PRIORITY"`

	// Debug disables the cache with reason "debug mode is active".
	Debug bool `yaml:"debug" env:"DEBUG"`

	// DisableExpireHeader suppresses Cache-Control and Expires on stored
	// pages.
	DisableExpireHeader bool `yaml:"disable_expire_header" env:"DISABLE_EXPIRE_HEADER"`
}

// DefaultSettings returns enabled settings without lifetime or exclusions.
func DefaultSettings() Settings {
	return Settings{Enabled: true, Priority: DefaultPriority}
}

// Lifetime returns LifetimeSeconds as a duration.
func (s Settings) Lifetime() time.Duration {
	if s.LifetimeSeconds <= 0 {
		return 0
	}
	return time.Duration(s.LifetimeSeconds) * time.Second
}

// Validate checks the numeric settings. Patterns are checked by Compile.
func (s Settings) Validate() error {
	if s.LifetimeSeconds < 0 {
		return fmt.Errorf("%w: lifetime must be >= 0", ErrInvalidSetting)
	}
	if s.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0", ErrInvalidSetting)
	}
	return nil
}

// Rules are Settings compiled for request evaluation.
type Rules struct {
	Settings
	patterns []*regexp.Regexp
	cookies  []string
}

// Compile splits and compiles the exclude lists. Patterns that fail to
// compile are reported as *ConfigurationFailure and left out of the rules.
func (s Settings) Compile() (*Rules, []error) {
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}
	r := &Rules{Settings: s}
	var errs []error
	for _, raw := range splitList(s.ExcludePatterns) {
		re, err := compilePattern(raw)
		if err != nil {
			errs = append(errs, &ConfigurationFailure{Setting: "exclude_patterns", Value: raw, Err: err})
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	r.cookies = splitList(s.ExcludeCookie)
	return r, errs
}

// Excluded reports whether requestURI matches any exclude pattern.
func (r *Rules) Excluded(requestURI string) bool {
	for _, re := range r.patterns {
		if re.MatchString(requestURI) {
			return true
		}
	}
	return false
}

// Patterns returns the number of compiled exclude patterns.
func (r *Rules) Patterns() int {
	return len(r.patterns)
}

// Cookies returns the exclude cookie names.
func (r *Rules) Cookies() []string {
	return r.cookies
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// compilePattern accepts a bare expression or a delimited one with trailing
// flags, e.g. "@^/admin@i". Only the i, m, s and U flags are understood; a
// string that does not end in a delimiter plus those flags is bare.
func compilePattern(raw string) (*regexp.Regexp, error) {
	expr := raw
	if len(raw) >= 2 && isDelimiter(raw[0]) {
		end := strings.LastIndexByte(raw, raw[0])
		if flags := raw[end+1:]; end > 0 && strings.Trim(flags, "imsU") == "" {
			expr = raw[1:end]
			if flags != "" {
				expr = "(?" + flags + ")" + expr
			}
		}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

func isDelimiter(c byte) bool {
	switch c {
	case '/', '@', '#', '~', '!', '%', '|':
		return true
	}
	return false
}
