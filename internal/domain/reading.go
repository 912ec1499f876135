package domain

import (
	"slices"
	"time"
)

// ReadingKind tags a reading as measured or predicted. Ordering and unit
// rules are identical for both; only provenance differs.
type ReadingKind uint8

const (
	Observed ReadingKind = iota
	Forecast
)

func (k ReadingKind) String() string {
	if k == Forecast {
		return "forecast"
	}
	return "observed"
}

// MarshalText encodes the kind as "observed" or "forecast".
func (k ReadingKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Reading is a single timestamped value. Value is nil when the agency
// reported no value for the timestamp.
type Reading struct {
	Time       time.Time   `json:"time"`
	Value      *float64    `json:"value"`
	Qualifiers string      `json:"qualifiers,omitempty"`
	Kind       ReadingKind `json:"kind"`
}

// Series is one variable's readings, ascending by time.
type Series struct {
	Variable  Variable  `json:"variable"`
	Readings  []Reading `json:"readings"`
	SourceURL string    `json:"source_url"`
}

// LastObservation returns the most recent observed (non-forecast) reading.
func (s *Series) LastObservation() (Reading, bool) {
	if s == nil {
		return Reading{}, false
	}
	for i := len(s.Readings) - 1; i >= 0; i-- {
		if s.Readings[i].Kind == Observed {
			return s.Readings[i], true
		}
	}
	return Reading{}, false
}

// Normalize sorts readings ascending by time and removes duplicate
// timestamps. When an observation and a forecast share a timestamp the
// observation is kept; otherwise the first reading in feed order wins.
func (s *Series) Normalize() {
	if len(s.Readings) < 2 {
		return
	}
	slices.SortStableFunc(s.Readings, func(a, b Reading) int {
		if c := a.Time.Compare(b.Time); c != 0 {
			return c
		}
		return int(a.Kind) - int(b.Kind)
	})
	out := s.Readings[:1]
	for _, r := range s.Readings[1:] {
		if r.Time.Equal(out[len(out)-1].Time) {
			continue
		}
		out = append(out, r)
	}
	s.Readings = out
}

// Float returns a pointer to v, for building readings.
func Float(v float64) *float64 {
	return &v
}
