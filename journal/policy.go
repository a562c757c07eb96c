package journal

import "time"

// SavePolicy decides when the journal asks for a state snapshot on its own,
// in addition to whatever the stream asks for. The zero value never asks.
type SavePolicy struct {
	// MaxItems requests a save once more than this many items were written
	// since the last completed save.
	MaxItems int64
	// MaxAge requests a save once this much time passed since the last
	// completed save and at least one item is outstanding.
	MaxAge time.Duration
}

// Enabled reports whether any trigger is configured.
func (p SavePolicy) Enabled() bool {
	return p.MaxItems > 0 || p.MaxAge > 0
}

func (p SavePolicy) due(outstanding int64, lastSave, now time.Time) bool {
	if p.MaxItems > 0 && outstanding > p.MaxItems {
		return true
	}
	if p.MaxAge > 0 && outstanding > 0 && now.Sub(lastSave) > p.MaxAge {
		return true
	}
	return false
}
