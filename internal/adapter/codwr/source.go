// Package codwr reads Colorado Division of Water Resources telemetry station
// time series published as CSV.
package codwr

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
	"github.com/couchcryptid/riverflows/internal/pipeline"
)

// Agency is the agency id of Colorado DWR stations.
const Agency = "CODWR"

const magicNull = -999

// Native variables, keyed by DWR parameter name.
var (
	Discharge   = domain.NewVariable(domain.StreamflowCFS, "DISCHRG", "Discharge", magicNull)
	GaugeHeight = domain.NewVariable(domain.GaugeHeightFT, "GAGE_HT", "Gage height", magicNull)
	Storage     = domain.NewVariable(domain.ReservoirStorageAF, "STORAGE", "Reservoir storage", magicNull)
	WaterTemp   = domain.NewVariable(domain.WaterTempC, "WATTEMP", "Water temperature", magicNull)
)

// AcceptedVariables lists every DWR parameter this source understands.
var AcceptedVariables = []domain.Variable{Discharge, GaugeHeight, Storage, WaterTemp}

var csvColumns = []string{"abbrev", "parameter", "measDateTime", "measValue", "measUnit", "flagA", "flagB"}

var timeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04"}

// mountain is the zone DWR timestamps are reported in.
var mountain = loadMountain()

func loadMountain() *time.Location {
	loc, err := time.LoadLocation("America/Denver")
	if err != nil {
		return time.FixedZone("MST", -7*60*60)
	}
	return loc
}

// Source implements domain.DataSource for Colorado DWR.
type Source struct {
	baseURL   string
	transport domain.Transport
	logger    *slog.Logger
	fetcher   *pipeline.Fetcher
}

// New creates a DWR source reading the raw telemetry endpoint at baseURL.
func New(baseURL string, transport domain.Transport, logger *slog.Logger, metrics *observability.Metrics) *Source {
	s := &Source{
		baseURL:   baseURL,
		transport: transport,
		logger:    logger.With("agency", Agency),
	}
	s.fetcher = pipeline.NewFetcher(pipeline.SingleSource{DataSource: s}, s.logger, metrics)
	return s
}

func (s *Source) Agency() string { return Agency }

func (s *Source) AcceptedVariables() []domain.Variable { return AcceptedVariables }

func (s *Source) Transport() domain.Transport { return s.transport }

func (s *Source) SetTransport(t domain.Transport) { s.transport = t }

// SiteURL is the CSV time series URL for a station. With exactly one
// variable the request is narrowed to that parameter.
func (s *Source) SiteURL(abbrev string, variables []domain.Variable) string {
	q := url.Values{
		"format": {"csv"},
		"abbrev": {abbrev},
	}
	if len(variables) == 1 {
		q.Set("parameter", variables[0].ID)
	}
	return s.baseURL + "?" + q.Encode()
}

// FetchSite downloads and parses the station's time series.
func (s *Source) FetchSite(ctx context.Context, site domain.Site, variables []domain.Variable, hardRefresh bool) (*domain.SiteData, error) {
	srcURL := s.SiteURL(site.ID.ID, variables)

	resp, err := s.transport.Get(ctx, srcURL, hardRefresh)
	if err != nil {
		if domain.IsTransport(err) {
			return nil, err
		}
		return nil, &domain.DataParseError{SiteID: site.ID, SourceURL: srcURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := s.parse(site, srcURL, resp.Body)
	if err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &domain.DataParseError{SiteID: site.ID, SourceURL: srcURL, Err: err}
	}
	data.Complete = len(variables) != 1
	return data, nil
}

// FetchFavorites fetches each DWR station referenced by favorites once.
func (s *Source) FetchFavorites(ctx context.Context, favorites []domain.Favorite, hardRefresh bool) ([]domain.FavoriteData, error) {
	return s.fetcher.FetchFavorites(ctx, favorites, hardRefresh)
}

func (s *Source) parse(site domain.Site, srcURL string, r io.Reader) (*domain.SiteData, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv: no header row")
	}
	if err != nil {
		return nil, err
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range csvColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("csv: missing column %q", name)
		}
	}

	data := domain.NewSiteData(site)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		get := func(name string) string {
			i := col[name]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		param := get("parameter")
		v, ok := domain.FindVariable(AcceptedVariables, param)
		if !ok {
			s.logger.Debug("skipping row", "error", fmt.Errorf("%w: %q", domain.ErrUnknownVariable, param), "site", site.ID.String())
			continue
		}
		ts, ok := parseTime(get("measDateTime"))
		if !ok {
			s.logger.Warn("could not parse date, skipping row", "value", get("measDateTime"), "site", site.ID.String())
			continue
		}

		reading := domain.Reading{Time: ts, Qualifiers: qualifiers(get("flagA"), get("flagB"))}
		if text := get("measValue"); text != "" {
			value, err := strconv.ParseFloat(text, 64)
			if err != nil {
				s.logger.Debug("skipping reading", "error", &domain.ValueFormatError{Value: text, Err: err}, "site", site.ID.String())
				continue
			}
			if !v.IsMagicNull(value) {
				value = toCanonical(value, get("measUnit"))
				reading.Value = &value
			}
		}

		series, ok := data.Datasets[v.Common]
		if !ok {
			series = &domain.Series{Variable: v, SourceURL: srcURL}
			data.Datasets[v.Common] = series
		}
		series.Readings = append(series.Readings, reading)
	}

	data.DataInfo = fmt.Sprintf(`<h2> <a href="%s">%s (%s)</a></h2><h4>Source: <a href="https://dwr.colorado.gov/">Colorado Division of Water Resources</a></h4>`,
		srcURL, site.Name, site.ID.ID)
	data.Normalize()
	return data, nil
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, mountain); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// toCanonical converts units DWR reports that differ from the canonical
// unit of their variable.
func toCanonical(v float64, unit string) float64 {
	switch strings.ToUpper(unit) {
	case "DEG F", "F":
		return (v - 32) * 5 / 9
	case "KAF":
		return v * 1000
	default:
		return v
	}
}

func qualifiers(flags ...string) string {
	var out []string
	for _, f := range flags {
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, ",")
}
