package fullpage

import (
	"errors"
	"fmt"
)

// Sentinel errors for the full-page cache.
var (
	ErrNilCache       = errors.New("fullpage: response cache is nil")
	ErrInvalidPattern = errors.New("fullpage: invalid exclude pattern")
	ErrInvalidSetting = errors.New("fullpage: invalid setting")
)

// ConfigurationFailure reports a setting that could not be applied. The
// offending rule is skipped; requests are never failed by it.
type ConfigurationFailure struct {
	Setting string
	Value   string
	Err     error
}

func (e *ConfigurationFailure) Error() string {
	return fmt.Sprintf("fullpage: %s %q: %v", e.Setting, e.Value, e.Err)
}

func (e *ConfigurationFailure) Unwrap() error { return e.Err }
