// Package domain models hydrological telemetry from independent government
// data providers ("agencies") normalized into one canonical shape.
//
// # Agencies
//
// Each agency publishes its own site catalog, wire format and variable
// taxonomy:
//
//	AHPS   NOAA Advanced Hydrologic Prediction Service, XML hydrographs with
//	       observed and forecast sections.
//	USGS   National Water Information System instantaneous values, RDB
//	       (tab-delimited) text.
//	CODWR  Colorado Division of Water Resources telemetry, CSV.
//
// Adapters for each agency live under internal/adapter and implement
// [DataSource].
//
// # Canonical Variables
//
// Agencies name the same measurement differently ("Flow", "00060",
// "DISCHRG"). Every native [Variable] maps onto exactly one [CommonVariable],
// which carries the single display unit for that kind of measurement.
// Values are converted into that unit during parsing, e.g. AHPS reports flow
// in kcfs for large rivers:
//
//	<primary name="Flow" units="kcfs">12.5</primary>  →  12500 cfs
//
// # Null Sentinels
//
// Agencies write a magic number (AHPS -999000, USGS -999999) where a value is
// missing. Parsers translate the sentinel into an absent value but keep the
// reading so its timestamp stays in the series.
//
// # Series Ordering
//
// Feeds may deliver readings newest-first (AHPS observed data) or
// oldest-first. After parsing, every [Series] is ascending by time with no
// duplicate timestamps; see [Series.Normalize].
//
// # Placeholders
//
// When one site's feed cannot be decoded, favorites on that site receive
// [DatasourceDownData]: a single reading stamped "now" with the qualifier
// "Datasource Down" and no value.
package domain
