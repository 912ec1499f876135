// Package usgs reads instantaneous values and site catalogs from the USGS
// National Water Information System in RDB format.
package usgs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
	"github.com/couchcryptid/riverflows/internal/pipeline"
)

// Agency is the agency id of USGS sites.
const Agency = "USGS"

const magicNull = -999999

// Native variables, keyed by parameter code.
var (
	Discharge          = domain.NewVariable(domain.StreamflowCFS, "00060", "Discharge", magicNull)
	GaugeHeight        = domain.NewVariable(domain.GaugeHeightFT, "00065", "Gage height", magicNull)
	WaterTemperature   = domain.NewVariable(domain.WaterTempC, "00010", "Temperature, water", magicNull)
	Precipitation      = domain.NewVariable(domain.PrecipitationIN, "00045", "Precipitation", magicNull)
	ReservoirStorage   = domain.NewVariable(domain.ReservoirStorageAF, "00054", "Reservoir storage", magicNull)
	ReservoirElevation = domain.NewVariable(domain.ReservoirElevationFT, "00062", "Reservoir elevation", magicNull)
)

// AcceptedVariables lists every parameter this source requests.
var AcceptedVariables = []domain.Variable{
	Discharge, GaugeHeight, WaterTemperature, Precipitation, ReservoirStorage, ReservoirElevation,
}

const (
	datetimeLayout = "2006-01-02 15:04"
	period         = "P7D"
)

// valueColumn matches instantaneous value columns such as "69928_00060".
var valueColumn = regexp.MustCompile(`^\d+_(\d{5})$`)

// Source implements domain.DataSource and domain.SiteLister for USGS.
type Source struct {
	baseURL   string
	transport domain.Transport
	logger    *slog.Logger
	fetcher   *pipeline.Fetcher
}

// New creates a USGS source against the NWIS services under baseURL.
func New(baseURL string, transport domain.Transport, logger *slog.Logger, metrics *observability.Metrics) *Source {
	s := &Source{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
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

// SiteURL is the instantaneous-values URL for one site.
func (s *Source) SiteURL(siteID string, variables []domain.Variable) string {
	q := url.Values{
		"format": {"rdb"},
		"sites":  {siteID},
		"period": {period},
	}
	if len(variables) > 0 {
		q.Set("parameterCd", parameterCodes(variables))
	}
	return s.baseURL + "/iv/?" + q.Encode()
}

// SitesURL is the site catalog URL for one state.
func (s *Source) SitesURL(state domain.USState) string {
	q := url.Values{
		"format":              {"rdb"},
		"stateCd":             {strings.ToLower(string(state.Normalize()))},
		"seriesCatalogOutput": {"true"},
		"outputDataTypeCd":    {"iv"},
		"siteStatus":          {"active"},
		"parameterCd":         {parameterCodes(AcceptedVariables)},
	}
	return s.baseURL + "/site/?" + q.Encode()
}

// ExternalSiteURL is the public NWIS page for a site.
func ExternalSiteURL(siteID string) string {
	return "https://waterdata.usgs.gov/monitoring-location/" + url.PathEscape(siteID) + "/"
}

// FetchSite downloads and parses instantaneous values for site. An empty
// variables slice requests every parameter the site has.
func (s *Source) FetchSite(ctx context.Context, site domain.Site, variables []domain.Variable, hardRefresh bool) (*domain.SiteData, error) {
	srcURL := s.SiteURL(site.ID.ID, variables)

	table, err := s.get(ctx, site.ID, srcURL, hardRefresh)
	if err != nil {
		return nil, err
	}

	data, err := s.parseValues(site, srcURL, table)
	if err != nil {
		return nil, &domain.DataParseError{SiteID: site.ID, SourceURL: srcURL, Err: err}
	}
	data.Complete = coversAll(site, variables)
	return data, nil
}

// coversAll reports whether requested includes every variable the site
// supports, or every accepted variable when the site's list is unknown.
func coversAll(site domain.Site, requested []domain.Variable) bool {
	if len(requested) == 0 {
		return true
	}
	want := site.SupportedVariables
	if len(want) == 0 {
		want = AcceptedVariables
	}
	for _, v := range want {
		if _, ok := domain.FindVariable(requested, v.ID); !ok {
			return false
		}
	}
	return true
}

// FetchFavorites fetches each USGS site referenced by favorites once.
func (s *Source) FetchFavorites(ctx context.Context, favorites []domain.Favorite, hardRefresh bool) ([]domain.FavoriteData, error) {
	return s.fetcher.FetchFavorites(ctx, favorites, hardRefresh)
}

// ListSites returns the active sites in state with the accepted variables
// each one reports.
func (s *Source) ListSites(ctx context.Context, state domain.USState) ([]domain.SiteData, error) {
	state = state.Normalize()
	srcURL := s.SitesURL(state)
	listID := domain.SiteID{Agency: Agency, ID: "state:" + string(state)}

	table, err := s.get(ctx, listID, srcURL, false)
	if err != nil {
		return nil, err
	}
	sites, err := s.parseSites(state, table)
	if err != nil {
		return nil, &domain.DataParseError{SiteID: listID, SourceURL: srcURL, Err: err}
	}
	s.logger.Info("listed sites", "state", string(state), "sites", len(sites))
	return sites, nil
}

func (s *Source) get(ctx context.Context, id domain.SiteID, srcURL string, hardRefresh bool) (*rdbTable, error) {
	resp, err := s.transport.Get(ctx, srcURL, hardRefresh)
	if err != nil {
		if domain.IsTransport(err) {
			return nil, err
		}
		return nil, &domain.DataParseError{SiteID: id, SourceURL: srcURL, Err: err}
	}
	defer resp.Body.Close()

	table, err := readRDB(resp.Body)
	if err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &domain.DataParseError{SiteID: id, SourceURL: srcURL, Err: err}
	}
	return table, nil
}

type valueColumns struct {
	variable  domain.Variable
	value     int
	qualifier int
}

func (s *Source) parseValues(site domain.Site, srcURL string, t *rdbTable) (*domain.SiteData, error) {
	idx, err := t.require("site_no", "datetime", "tz_cd")
	if err != nil {
		return nil, err
	}
	dtCol, tzCol := idx[1], idx[2]

	var cols []valueColumns
	for i, name := range t.header {
		name = strings.TrimSpace(name)
		m := valueColumn.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		v, ok := domain.FindVariable(AcceptedVariables, m[1])
		if !ok {
			s.logger.Debug("skipping column", "error", fmt.Errorf("%w: %q", domain.ErrUnknownVariable, m[1]), "site", site.ID.String())
			continue
		}
		q := -1
		if c, ok := t.columns[name+"_cd"]; ok {
			q = c
		}
		cols = append(cols, valueColumns{variable: v, value: i, qualifier: q})
	}

	data := domain.NewSiteData(site)
	for _, row := range t.rows {
		loc, ok := domain.LookupUSTimeZone(field(row, tzCol))
		if !ok {
			s.logger.Warn("unknown timezone, skipping row", "timezone", field(row, tzCol), "site", site.ID.String())
			continue
		}
		ts, err := time.ParseInLocation(datetimeLayout, field(row, dtCol), loc)
		if err != nil {
			s.logger.Warn("could not parse date, skipping row", "value", field(row, dtCol), "site", site.ID.String())
			continue
		}

		for _, c := range cols {
			reading := domain.Reading{Time: ts, Qualifiers: field(row, c.qualifier)}
			text := field(row, c.value)
			if text != "" {
				v, err := strconv.ParseFloat(text, 64)
				if err != nil {
					s.logger.Debug("skipping reading", "error", &domain.ValueFormatError{Value: text, Err: err}, "site", site.ID.String())
					continue
				}
				if !c.variable.IsMagicNull(v) {
					reading.Value = &v
				}
			}

			series, ok := data.Datasets[c.variable.Common]
			if !ok {
				series = &domain.Series{Variable: c.variable, SourceURL: srcURL}
				data.Datasets[c.variable.Common] = series
			}
			series.Readings = append(series.Readings, reading)
		}
	}

	data.DataInfo = dataInfo(site, srcURL)
	data.Normalize()
	return data, nil
}

func (s *Source) parseSites(state domain.USState, t *rdbTable) ([]domain.SiteData, error) {
	idx, err := t.require("site_no", "station_nm", "parm_cd")
	if err != nil {
		return nil, err
	}
	siteCol, nameCol, parmCol := idx[0], idx[1], idx[2]
	latCol, lonCol := -1, -1
	if c, ok := t.columns["dec_lat_va"]; ok {
		latCol = c
	}
	if c, ok := t.columns["dec_long_va"]; ok {
		lonCol = c
	}

	var out []domain.SiteData
	bySite := make(map[string]int)
	for _, row := range t.rows {
		id := field(row, siteCol)
		if id == "" {
			continue
		}
		v, ok := domain.FindVariable(AcceptedVariables, field(row, parmCol))
		if !ok {
			continue
		}

		i, seen := bySite[id]
		if !seen {
			lat, _ := strconv.ParseFloat(field(row, latCol), 64)
			lon, _ := strconv.ParseFloat(field(row, lonCol), 64)
			i = len(out)
			bySite[id] = i
			out = append(out, *domain.NewSiteData(domain.Site{
				ID:    domain.SiteID{Agency: Agency, ID: id},
				Name:  field(row, nameCol),
				Lat:   lat,
				Lon:   lon,
				State: state,
			}))
		}
		site := &out[i].Site
		if _, dup := domain.FindVariable(site.SupportedVariables, v.ID); !dup {
			site.SupportedVariables = append(site.SupportedVariables, v)
		}
	}
	return out, nil
}

func parameterCodes(vars []domain.Variable) string {
	codes := make([]string, len(vars))
	for i, v := range vars {
		codes[i] = v.ID
	}
	return strings.Join(codes, ",")
}

func dataInfo(site domain.Site, srcURL string) string {
	return fmt.Sprintf(`<h2> <a href="%s">%s (%s)</a></h2><h4>Source: <a href="https://waterdata.usgs.gov/nwis">USGS National Water Information System</a> (<a href="%s">raw data</a>)</h4><p><b>Data are provisional and subject to revision.</b></p>`,
		ExternalSiteURL(site.ID.ID), site.Name, site.ID.ID, srcURL)
}
