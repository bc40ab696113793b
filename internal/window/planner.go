// Package window plans the overlapping time blocks fed to the track stitcher.
package window

import (
	"fmt"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
)

// Plan returns the stitching window whose core spans nDaysFreq days from
// initial (truncated to midnight UTC), extended by nDaysExt days on both sides.
func Plan(initial time.Time, nDaysFreq, nDaysExt int) (domain.TimeWindow, error) {
	if nDaysFreq <= 0 {
		return domain.TimeWindow{}, fmt.Errorf("%w: n_days_freq must be positive, got %d", domain.ErrInvalidWindow, nDaysFreq)
	}
	if nDaysExt < 0 {
		return domain.TimeWindow{}, fmt.Errorf("%w: n_days_ext must not be negative, got %d", domain.ErrInvalidWindow, nDaysExt)
	}
	start := initial.UTC().Truncate(domain.Day)
	ext := time.Duration(nDaysExt) * domain.Day
	return domain.TimeWindow{
		BlockStart:      start,
		BlockEnd:        start.Add(time.Duration(nDaysFreq) * domain.Day),
		ExtensionBefore: ext,
		ExtensionAfter:  ext,
	}, nil
}

// Schedule lists the consecutive windows whose cores tile [start, end). The
// last core is clipped to end.
func Schedule(start, end time.Time, nDaysFreq, nDaysExt int) ([]domain.TimeWindow, error) {
	var windows []domain.TimeWindow
	for cursor := start; cursor.Before(end); {
		w, err := Plan(cursor, nDaysFreq, nDaysExt)
		if err != nil {
			return nil, err
		}
		if w.BlockEnd.After(end) {
			w.BlockEnd = end
		}
		windows = append(windows, w)
		cursor = w.BlockEnd
	}
	return windows, nil
}

// Trigger tracks how much model time has accumulated since the last stitch and
// decides when the next block is due.
type Trigger struct {
	freq   time.Duration
	ext    time.Duration
	marker time.Time
}

// NewTrigger starts accounting for a run whose first core block begins at
// start. The marker sits one extension before start, where the first
// extended window begins.
func NewTrigger(start time.Time, nDaysFreq, nDaysExt int) (*Trigger, error) {
	w, err := Plan(start, nDaysFreq, nDaysExt)
	if err != nil {
		return nil, err
	}
	return &Trigger{
		freq:   w.BlockEnd.Sub(w.BlockStart),
		ext:    w.ExtensionBefore,
		marker: w.ExtendedStart(),
	}, nil
}

// ResumeTrigger restores a trigger from a stored marker.
func ResumeTrigger(marker time.Time, nDaysFreq, nDaysExt int) (*Trigger, error) {
	if _, err := Plan(marker, nDaysFreq, nDaysExt); err != nil {
		return nil, err
	}
	return &Trigger{
		freq:   time.Duration(nDaysFreq) * domain.Day,
		ext:    time.Duration(nDaysExt) * domain.Day,
		marker: marker.UTC(),
	}, nil
}

// Marker is the start of the next extended window.
func (t *Trigger) Marker() time.Time { return t.marker }

// Due reports whether data up to (exclusive) cursor covers the next extended
// window: cursor - marker >= freq + 2*ext.
func (t *Trigger) Due(cursor time.Time) bool {
	return cursor.Sub(t.marker) >= t.freq+2*t.ext
}

// Window returns the block that is stitched when the trigger fires.
func (t *Trigger) Window() domain.TimeWindow {
	start := t.marker.Add(t.ext)
	return domain.TimeWindow{
		BlockStart:      start,
		BlockEnd:        start.Add(t.freq),
		ExtensionBefore: t.ext,
		ExtensionAfter:  t.ext,
	}
}

// Remainder returns the partial block left when input ends at cursor, and
// false when no core time remains. Its after-extension is clipped to the
// available data.
func (t *Trigger) Remainder(cursor time.Time) (domain.TimeWindow, bool) {
	w := t.Window()
	if !cursor.After(w.BlockStart) {
		return domain.TimeWindow{}, false
	}
	if cursor.Before(w.BlockEnd) {
		w.BlockEnd = cursor
		w.ExtensionAfter = 0
	} else if avail := cursor.Sub(w.BlockEnd); avail < w.ExtensionAfter {
		w.ExtensionAfter = avail
	}
	return w, true
}

// Advance moves the marker forward by exactly one core length.
func (t *Trigger) Advance() {
	t.marker = t.marker.Add(t.freq)
}
