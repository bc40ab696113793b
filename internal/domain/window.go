package domain

import "time"

// Day is the unit of block and extension lengths.
const Day = 24 * time.Hour

// TimeWindow is one stitching block. The core interval [BlockStart, BlockEnd)
// is what the block reports; the extensions on either side only feed the
// stitcher so that tracks crossing a block boundary are not truncated.
type TimeWindow struct {
	BlockStart      time.Time
	BlockEnd        time.Time
	ExtensionBefore time.Duration
	ExtensionAfter  time.Duration
}

// ExtendedStart is the first instant of the extended interval.
func (w TimeWindow) ExtendedStart() time.Time {
	return w.BlockStart.Add(-w.ExtensionBefore)
}

// ExtendedEnd is the exclusive end of the extended interval.
func (w TimeWindow) ExtendedEnd() time.Time {
	return w.BlockEnd.Add(w.ExtensionAfter)
}

// InCore reports whether t lies in [BlockStart, BlockEnd).
func (w TimeWindow) InCore(t time.Time) bool {
	return !t.Before(w.BlockStart) && t.Before(w.BlockEnd)
}

// InExtended reports whether t lies in the extended interval.
func (w TimeWindow) InExtended(t time.Time) bool {
	return !t.Before(w.ExtendedStart()) && t.Before(w.ExtendedEnd())
}

// CoreDays lists the days of the core interval.
func (w TimeWindow) CoreDays() []time.Time {
	return Steps(w.BlockStart, w.BlockEnd, Day)
}

// ExtendedDays lists the days of the extended interval.
func (w TimeWindow) ExtendedDays() []time.Time {
	return Steps(w.ExtendedStart(), w.ExtendedEnd(), Day)
}

// Steps enumerates start, start+step, ... strictly before end.
func Steps(start, end time.Time, step time.Duration) []time.Time {
	if step <= 0 || !start.Before(end) {
		return nil
	}
	out := make([]time.Time, 0, int(end.Sub(start)/step)+1)
	for t := start; t.Before(end); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}
