package fraud

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ResetScope selects how daily totals roll over.
type ResetScope string

const (
	// ResetGlobal resets every user's total whenever any transaction carries a
	// date different from the last one seen by the tracker.
	ResetGlobal ResetScope = "global"
	// ResetPerUser resets a user's total when that user's own date advances.
	ResetPerUser ResetScope = "user"
)

const dateLayout = "2006-01-02"

// dayOf returns the UTC calendar date of t. Stores may hand timestamps back in
// their session zone, so the zone of t must not move the day.
func dayOf(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// WindowTracker holds per-user temporal state: the timestamps seen within the
// trailing frequency window and the running total for the tracked day.
// Each user's state is guarded by its own mutex; the global date is guarded by mu.
type WindowTracker struct {
	window  time.Duration
	scope   ResetScope
	windows sync.Map // map[string]*userWindow

	mu   sync.Mutex
	date string
	gen  uint64
}

type userWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	daily      decimal.Decimal
	dailyGen   uint64
	dailyDate  string
}

// userSnapshot is a copy of one user's state taken before Process mutates it.
type userSnapshot struct {
	timestamps []time.Time
	daily      decimal.Decimal
	dailyGen   uint64
	dailyDate  string
}

// NewWindowTracker creates a tracker with the given frequency window.
func NewWindowTracker(window time.Duration, scope ResetScope) *WindowTracker {
	if window <= 0 {
		window = DefaultFrequencyWindow
	}
	if scope != ResetPerUser {
		scope = ResetGlobal
	}
	return &WindowTracker{window: window, scope: scope}
}

func (t *WindowTracker) getWindow(userID string) *userWindow {
	v, _ := t.windows.LoadOrStore(userID, &userWindow{})
	return v.(*userWindow)
}

// Observe appends ts to the user's recent timestamps, evicts entries that are
// a full window or more older than ts, and returns the remaining count
// including ts.
func (t *WindowTracker) Observe(userID string, ts time.Time) int {
	w := t.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.timestamps[:0]
	for _, seen := range w.timestamps {
		if ts.Sub(seen) < t.window {
			kept = append(kept, seen)
		}
	}
	w.timestamps = append(kept, ts)
	return len(w.timestamps)
}

// AccumulateDaily adds amount to the user's total for date and returns the new
// total. A date change resets totals according to the tracker's scope.
func (t *WindowTracker) AccumulateDaily(userID, date string, amount decimal.Decimal) decimal.Decimal {
	var gen uint64
	if t.scope == ResetGlobal {
		t.mu.Lock()
		if date != t.date {
			t.date = date
			t.gen++
		}
		gen = t.gen
		t.mu.Unlock()
	}

	w := t.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.scope == ResetGlobal {
		if w.dailyGen != gen {
			w.daily = decimal.Zero
			w.dailyGen = gen
		}
	} else if w.dailyDate != date {
		w.daily = decimal.Zero
		w.dailyDate = date
	}

	w.daily = w.daily.Add(amount)
	return w.daily
}

// WindowSize returns the number of timestamps currently held for the user.
func (t *WindowTracker) WindowSize(userID string) int {
	v, ok := t.windows.Load(userID)
	if !ok {
		return 0
	}
	w := v.(*userWindow)
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timestamps)
}

func (t *WindowTracker) snapshot(userID string) userSnapshot {
	w := t.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := make([]time.Time, len(w.timestamps))
	copy(ts, w.timestamps)
	return userSnapshot{
		timestamps: ts,
		daily:      w.daily,
		dailyGen:   w.dailyGen,
		dailyDate:  w.dailyDate,
	}
}

// restore puts back a user's state. The global date is left as is: a reset it
// triggered would have zeroed the restored total anyway.
func (t *WindowTracker) restore(userID string, s userSnapshot) {
	w := t.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestamps = s.timestamps
	w.daily = s.daily
	w.dailyGen = s.dailyGen
	w.dailyDate = s.dailyDate
}
