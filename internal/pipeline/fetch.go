package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
)

// SourceResolver returns the data source registered for an agency.
type SourceResolver interface {
	Source(agency string) (domain.DataSource, error)
}

// SingleSource resolves only its own agency.
type SingleSource struct {
	domain.DataSource
}

// Source returns the wrapped data source when agency matches.
func (s SingleSource) Source(agency string) (domain.DataSource, error) {
	if agency != s.Agency() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAgency, agency)
	}
	return s.DataSource, nil
}

// Fetcher fans favorites out across their unique sites, fetches each site
// once concurrently, and joins the results back per favorite.
type Fetcher struct {
	sources SourceResolver
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewFetcher creates a Fetcher resolving sources through sources.
func NewFetcher(sources SourceResolver, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	return &Fetcher{
		sources: sources,
		logger:  logger,
		metrics: metrics,
	}
}

type siteFetch struct {
	site   domain.Site
	source domain.DataSource
	data   *domain.SiteData
	err    error
}

// FetchFavorites returns one FavoriteData per favorite, in input order.
//
// Every favorite's agency and variable are resolved before any request is
// made; an unknown one fails the call. A transport error from any site fails
// the whole batch and discards all results. A site that fails to parse, or
// returns no data, gets placeholder data for each of its favorites.
func (f *Fetcher) FetchFavorites(ctx context.Context, favorites []domain.Favorite, hardRefresh bool) ([]domain.FavoriteData, error) {
	if len(favorites) == 0 {
		return nil, nil
	}

	variables := make([]domain.Variable, len(favorites))
	slot := make([]int, len(favorites))
	bySite := make(map[domain.SiteID]int)
	var fetches []*siteFetch

	for i, fav := range favorites {
		source, err := f.sources.Source(fav.Site.ID.Agency)
		if err != nil {
			return nil, fmt.Errorf("favorite %d on %s: %w", fav.ID, fav.Site.ID, err)
		}
		v, ok := domain.FindVariable(source.AcceptedVariables(), fav.VariableID)
		if !ok {
			return nil, fmt.Errorf("favorite %d on %s: variable %q: %w", fav.ID, fav.Site.ID, fav.VariableID, domain.ErrUnknownVariable)
		}
		variables[i] = v

		n, seen := bySite[fav.Site.ID]
		if !seen {
			n = len(fetches)
			bySite[fav.Site.ID] = n
			fetches = append(fetches, &siteFetch{site: fav.Site, source: source})
		}
		slot[i] = n
	}

	// Workers write only their own siteFetch. Only transport errors are
	// returned to the group so Wait reports the first of them.
	var g errgroup.Group
	for _, sf := range fetches {
		g.Go(func() error {
			sf.data, sf.err = f.fetchSite(ctx, sf, hardRefresh)
			if domain.IsTransport(sf.err) {
				return sf.err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		f.logger.Error("favorites fetch aborted", "error", err, "sites", len(fetches))
		return nil, err
	}

	out := make([]domain.FavoriteData, len(favorites))
	for i, fav := range favorites {
		sf := fetches[slot[i]]
		data := sf.data
		if sf.err != nil || data == nil {
			data = domain.DatasourceDownData(fav.Site, variables[i])
			f.metrics.Placeholders.Inc()
		}
		out[i] = domain.FavoriteData{
			Favorite: fav,
			SiteData: data,
			Variable: variables[i],
		}
	}
	return out, nil
}

func (f *Fetcher) fetchSite(ctx context.Context, sf *siteFetch, hardRefresh bool) (*domain.SiteData, error) {
	agency := sf.source.Agency()
	start := time.Now()
	data, err := sf.source.FetchSite(ctx, sf.site, nil, hardRefresh)
	f.metrics.SiteFetchDuration.WithLabelValues(agency).Observe(time.Since(start).Seconds())

	switch {
	case domain.IsTransport(err):
		f.metrics.SiteFetches.WithLabelValues(agency, "transport_error").Inc()
	case err != nil:
		f.metrics.SiteFetches.WithLabelValues(agency, "parse_error").Inc()
		f.logger.Warn("site fetch failed, using placeholder", "site", sf.site.ID.String(), "error", err)
	case data == nil:
		f.metrics.SiteFetches.WithLabelValues(agency, "empty").Inc()
		f.logger.Warn("site fetch returned no data, using placeholder", "site", sf.site.ID.String())
	default:
		f.metrics.SiteFetches.WithLabelValues(agency, "success").Inc()
	}
	return data, err
}
