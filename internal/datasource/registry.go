// Package datasource keeps the set of agency data sources the service reads
// from and resolves agency variables against them.
package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
	"github.com/couchcryptid/riverflows/internal/pipeline"
)

// Registry maps agencies to their data sources.
type Registry struct {
	sources map[string]domain.DataSource
	order   []string
	fetcher *pipeline.Fetcher
	logger  *slog.Logger
}

// NewRegistry registers sources in order. A later source for the same agency
// replaces an earlier one.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics, sources ...domain.DataSource) *Registry {
	r := &Registry{
		sources: make(map[string]domain.DataSource, len(sources)),
		logger:  logger,
	}
	for _, s := range sources {
		if _, ok := r.sources[s.Agency()]; !ok {
			r.order = append(r.order, s.Agency())
		}
		r.sources[s.Agency()] = s
	}
	r.fetcher = pipeline.NewFetcher(r, logger, metrics)
	return r
}

// Source returns the data source for agency.
func (r *Registry) Source(agency string) (domain.DataSource, error) {
	s, ok := r.sources[agency]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAgency, agency)
	}
	return s, nil
}

// Sources returns every registered source in registration order.
func (r *Registry) Sources() []domain.DataSource {
	out := make([]domain.DataSource, 0, len(r.order))
	for _, agency := range r.order {
		out = append(out, r.sources[agency])
	}
	return out
}

// Variable resolves an agency-native variable id.
func (r *Registry) Variable(agency, id string) (domain.Variable, error) {
	s, err := r.Source(agency)
	if err != nil {
		return domain.Variable{}, err
	}
	v, ok := domain.FindVariable(s.AcceptedVariables(), id)
	if !ok {
		return domain.Variable{}, fmt.Errorf("%w: %s/%s", domain.ErrUnknownVariable, agency, id)
	}
	return v, nil
}

// Variables resolves ids in order. The first unknown id fails the call.
func (r *Registry) Variables(agency string, ids []string) ([]domain.Variable, error) {
	out := make([]domain.Variable, 0, len(ids))
	for _, id := range ids {
		v, err := r.Variable(agency, id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ListSites lists the sites in state from every source that can enumerate a
// region. A failing source fails the listing.
func (r *Registry) ListSites(ctx context.Context, state domain.USState) ([]domain.SiteData, error) {
	var out []domain.SiteData
	for _, s := range r.Sources() {
		lister, ok := s.(domain.SiteLister)
		if !ok {
			continue
		}
		sites, err := lister.ListSites(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("list %s sites in %s: %w", s.Agency(), state, err)
		}
		r.logger.Debug("listed sites", "agency", s.Agency(), "state", string(state), "count", len(sites))
		out = append(out, sites...)
	}
	return out, nil
}

// FetchFavorites fetches favorites across all agencies in one batch.
func (r *Registry) FetchFavorites(ctx context.Context, favorites []domain.Favorite, hardRefresh bool) ([]domain.FavoriteData, error) {
	return r.fetcher.FetchFavorites(ctx, favorites, hardRefresh)
}

// PreferredVariable picks the variable to show for a site: streamflow, then
// gauge height, then the first variable.
func PreferredVariable(vars []domain.Variable) (domain.Variable, bool) {
	for _, common := range []domain.CommonVariable{domain.StreamflowCFS, domain.GaugeHeightFT} {
		if v, ok := domain.FindCommonVariable(vars, common); ok {
			return v, true
		}
	}
	if len(vars) == 0 {
		return domain.Variable{}, false
	}
	return vars[0], true
}

// PreferredSeries returns the series to show for data, choosing among its
// datasets the way PreferredVariable chooses among variables. Datasets are
// considered in the site's supported variable order, then by variable name.
func PreferredSeries(data *domain.SiteData) *domain.Series {
	if data == nil || len(data.Datasets) == 0 {
		return nil
	}
	var vars []domain.Variable
	seen := make(map[domain.CommonVariable]bool, len(data.Datasets))
	for _, v := range data.Site.SupportedVariables {
		if s, ok := data.Datasets[v.Common]; ok && !seen[v.Common] {
			vars = append(vars, s.Variable)
			seen[v.Common] = true
		}
	}
	var rest []domain.CommonVariable
	for c := range data.Datasets {
		if !seen[c] {
			rest = append(rest, c)
		}
	}
	slices.Sort(rest)
	for _, c := range rest {
		vars = append(vars, data.Datasets[c].Variable)
	}

	v, _ := PreferredVariable(vars)
	return data.Datasets[v.Common]
}
