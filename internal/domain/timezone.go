package domain

import (
	"strings"
	"time"
)

var usTimeZones = map[string]int{
	"UTC":  0,
	"GMT":  0,
	"Z":    0,
	"AST":  -4,
	"ADT":  -3,
	"EST":  -5,
	"EDT":  -4,
	"CST":  -6,
	"CDT":  -5,
	"MST":  -7,
	"MDT":  -6,
	"PST":  -8,
	"PDT":  -7,
	"AKST": -9,
	"AKDT": -8,
	"HST":  -10,
	"HDT":  -9,
	"SST":  -11,
	"CHST": 10,
}

// LookupUSTimeZone resolves a US time zone abbreviation such as "CDT" to a
// fixed-offset location. Lookup is case-insensitive.
func LookupUSTimeZone(abbrev string) (*time.Location, bool) {
	name := strings.ToUpper(strings.TrimSpace(abbrev))
	hours, ok := usTimeZones[name]
	if !ok {
		return nil, false
	}
	if hours == 0 {
		return time.UTC, true
	}
	return time.FixedZone(abbrev, hours*60*60), true
}
