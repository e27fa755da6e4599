package objectstore

import (
	"slices"
	"time"
)

// Retention decides when snapshots are written and how many are kept.
type Retention struct {
	// Days keeps versions younger than this many days. Nil leaves it unset.
	Days *int `yaml:"days" env:"DAYS"`

	// Steps keeps this many most recent versions. Nil leaves it unset.
	Steps *int `yaml:"steps" env:"STEPS"`

	// DisableStackTrace skips recording the call stack on each version.
	DisableStackTrace bool `yaml:"disable_stack_trace" env:"DISABLE_STACK_TRACE"`
}

// shouldVersion reports whether a save writes a snapshot: always when
// neither limit is configured, when either limit is positive, or when the
// caller bumped the modification date.
func (r Retention) shouldVersion(setModificationDate bool) bool {
	if r.Days == nil && r.Steps == nil {
		return true
	}
	if r.Steps != nil && *r.Steps > 0 {
		return true
	}
	if r.Days != nil && *r.Days > 0 {
		return true
	}
	return setModificationDate
}

// expired returns the IDs of versions outside the retention window. The
// newest version is always kept. With both limits set a version is kept
// when either limit retains it.
func (r Retention) expired(versions []Version, now time.Time) []int64 {
	if len(versions) <= 1 {
		return nil
	}
	stepsOn := r.Steps != nil && *r.Steps > 0
	daysOn := r.Days != nil && *r.Days > 0
	if !stepsOn && !daysOn {
		return nil
	}

	sorted := slices.Clone(versions)
	slices.SortFunc(sorted, func(a, b Version) int {
		if a.VersionCount != b.VersionCount {
			return b.VersionCount - a.VersionCount
		}
		return int(b.ID - a.ID)
	})

	var cutoff time.Time
	if daysOn {
		cutoff = now.AddDate(0, 0, -*r.Days)
	}

	var out []int64
	for i, v := range sorted {
		if i == 0 {
			continue
		}
		keep := (stepsOn && i < *r.Steps) || (daysOn && v.Date.After(cutoff))
		if !keep {
			out = append(out, v.ID)
		}
	}
	return out
}
