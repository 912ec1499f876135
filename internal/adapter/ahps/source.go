// Package ahps reads NOAA Advanced Hydrologic Prediction Service hydrograph
// XML, which carries both observed and forecast readings for a gauge.
package ahps

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
	"github.com/couchcryptid/riverflows/internal/pipeline"
)

// Agency is the agency id of AHPS sites.
const Agency = "AHPS"

// Native variables. Both use the same null sentinel.
var (
	Flow  = domain.NewVariable(domain.StreamflowCFS, "Flow", "Flow", -999000)
	Stage = domain.NewVariable(domain.GaugeHeightFT, "Stage", "Stage", -999000)
)

// AcceptedVariables lists every variable an AHPS feed can contain.
var AcceptedVariables = []domain.Variable{Flow, Stage}

// Source implements domain.DataSource for AHPS.
type Source struct {
	baseURL   string
	transport domain.Transport
	logger    *slog.Logger
	fetcher   *pipeline.Fetcher
}

// New creates an AHPS source requesting hydrographs from baseURL through
// transport.
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

// SiteURL is the hydrograph XML URL for a gauge.
func (s *Source) SiteURL(siteID string) string {
	return s.baseURL + "?gage=" + url.QueryEscape(siteID)
}

// ExternalSiteURL is the public hydrograph page for a gauge.
func ExternalSiteURL(siteID string) string {
	return "https://water.weather.gov/ahps2/hydrograph.php?gage=" + url.QueryEscape(siteID)
}

// ExternalGraphURL is the pre-rendered hydrograph image for a gauge.
func ExternalGraphURL(siteID string) string {
	return "https://water.weather.gov/resources/hydrographs/" + strings.ToLower(siteID) + "_hg.png"
}

// FetchSite downloads and parses the hydrograph for site. Every AHPS request
// returns all variables, so variables only affects Complete.
func (s *Source) FetchSite(ctx context.Context, site domain.Site, variables []domain.Variable, hardRefresh bool) (*domain.SiteData, error) {
	srcURL := s.SiteURL(site.ID.ID)
	start := time.Now()

	resp, err := s.transport.Get(ctx, srcURL, hardRefresh)
	if err != nil {
		if domain.IsTransport(err) {
			return nil, err
		}
		return nil, &domain.DataParseError{SiteID: site.ID, SourceURL: srcURL, Err: err}
	}
	defer resp.Body.Close()

	p := newParser(site, srcURL, AcceptedVariables, s.logger)
	if err := p.parse(resp.Body); err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &domain.DataParseError{SiteID: site.ID, SourceURL: srcURL, Err: err}
	}

	data := p.result()
	data.Complete = coversAll(variables)
	s.logger.Info("loaded site data",
		"site", site.ID.String(),
		"series", len(data.Datasets),
		"from_cache", resp.FromCache,
		"duration", time.Since(start),
	)
	return data, nil
}

// FetchFavorites fetches each AHPS site referenced by favorites once.
func (s *Source) FetchFavorites(ctx context.Context, favorites []domain.Favorite, hardRefresh bool) ([]domain.FavoriteData, error) {
	return s.fetcher.FetchFavorites(ctx, favorites, hardRefresh)
}

func coversAll(requested []domain.Variable) bool {
	if len(requested) == 0 {
		return true
	}
	for _, v := range AcceptedVariables {
		if _, ok := domain.FindVariable(requested, v.ID); !ok {
			return false
		}
	}
	return true
}
