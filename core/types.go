package core

import (
	"fmt"
	"strings"
)

// SortOrder defines the direction of a time-ordered read.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

func (o SortOrder) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// Path is a fully-qualified series identifier, independent of where the
// series is physically stored, e.g. "root.sg.d1.s1".
type Path string

// Device returns the device portion of the path (everything before the
// last separator). A path without a separator is its own device.
func (p Path) Device() string {
	s := string(p)
	idx := strings.LastIndexByte(s, '.')
	if idx < 0 {
		return s
	}
	return s[:idx]
}

// Measurement returns the last path segment.
func (p Path) Measurement() string {
	s := string(p)
	idx := strings.LastIndexByte(s, '.')
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

func (p Path) String() string { return string(p) }

// TimeRange is a closed interval [Min, Max] of timestamps.
// A nil *TimeRange means "unbounded" wherever a filter is accepted.
type TimeRange struct {
	Min int64
	Max int64
}

// Intersects reports whether r and other share at least one timestamp.
func (r TimeRange) Intersects(other TimeRange) bool {
	return r.Min <= other.Max && other.Min <= r.Max
}

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Min && ts <= r.Max
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// TimeValuePair is a single point of a series.
type TimeValuePair struct {
	Timestamp int64
	Value     Value
}

// Batch is an ordered run of points pulled from one reader in one step.
type Batch []TimeValuePair
