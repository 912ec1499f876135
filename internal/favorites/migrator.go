// Package favorites loads the user's favorites, repairs legacy records that
// predate per-favorite variables, and turns fetched data into per-favorite
// records.
package favorites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/couchcryptid/riverflows/internal/datasource"
	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
)

// MigrationEvent is a phase of a migration pass.
type MigrationEvent int

const (
	MigrationStarted MigrationEvent = iota
	MigrationComplete
)

func (e MigrationEvent) String() string {
	if e == MigrationComplete {
		return "migration_complete"
	}
	return "migration_started"
}

// ProgressFunc receives migration phases. It may be nil.
type ProgressFunc func(MigrationEvent)

// Store is the persistence a migration needs.
type Store interface {
	domain.FavoriteStore
	domain.SiteStore
}

// Migrator assigns a variable to favorites created before favorites carried
// one.
type Migrator struct {
	store   Store
	lister  domain.SiteLister
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewMigrator creates a Migrator listing regions through lister.
func NewMigrator(store Store, lister domain.SiteLister, logger *slog.Logger, metrics *observability.Metrics) *Migrator {
	return &Migrator{
		store:   store,
		lister:  lister,
		logger:  logger,
		metrics: metrics,
	}
}

// Migrate returns favorites with every legacy favorite either repaired or
// removed. Favorites that already have a variable pass through unchanged.
//
// A legacy favorite is deleted when its region cannot be listed, its site is
// no longer listed, or the site has no supported variables. A transport
// error abandons the pass: the result is empty and the error wraps
// domain.ErrNoNetwork. Store failures leave the favorite as it was and are
// returned together once the pass finishes.
func (m *Migrator) Migrate(ctx context.Context, favorites []domain.Favorite, progress ProgressFunc) ([]domain.Favorite, error) {
	pending := 0
	for _, fav := range favorites {
		if !fav.HasVariable() {
			pending++
		}
	}
	if pending == 0 {
		return favorites, nil
	}

	notify(progress, MigrationStarted)
	defer notify(progress, MigrationComplete)
	m.metrics.MigrationRunning.Set(1)
	defer m.metrics.MigrationRunning.Set(0)

	m.logger.Info("migrating legacy favorites", "count", pending)

	regions := make(map[domain.USState]*regionListing)
	out := make([]domain.Favorite, 0, len(favorites))
	var errs *multierror.Error

	for _, fav := range favorites {
		if fav.HasVariable() {
			out = append(out, fav)
			continue
		}

		repaired, err := m.migrate(ctx, fav, regions)
		var me *domain.MigrationError
		switch {
		case err == nil:
			m.metrics.FavoritesMigrated.WithLabelValues("repaired").Inc()
			out = append(out, repaired)
		case domain.IsTransport(err):
			m.logger.Warn("migration abandoned", "error", err)
			return []domain.Favorite{}, fmt.Errorf("%w: %w", domain.ErrNoNetwork, err)
		case errors.As(err, &me):
			m.logger.Warn("removing favorite", "favorite", fav.ID, "site", fav.Site.ID.String(), "error", err)
			if derr := m.store.DeleteFavorite(ctx, fav.Site.ID, ""); derr != nil {
				errs = multierror.Append(errs, fmt.Errorf("delete favorite %d: %w", fav.ID, derr))
				out = append(out, fav)
				continue
			}
			m.metrics.FavoritesMigrated.WithLabelValues("deleted").Inc()
		default:
			errs = multierror.Append(errs, fmt.Errorf("favorite %d: %w", fav.ID, err))
			out = append(out, fav)
		}
	}
	return out, errs.ErrorOrNil()
}

// regionListing is the outcome of listing one region during a pass.
type regionListing struct {
	sites map[domain.SiteID]bool
	err   error
}

func (m *Migrator) migrate(ctx context.Context, fav domain.Favorite, regions map[domain.USState]*regionListing) (domain.Favorite, error) {
	region := fav.Site.State.Normalize()
	if region == "" {
		return fav, &domain.MigrationError{SiteID: fav.Site.ID, Reason: "favorite has no region"}
	}

	listing, ok := regions[region]
	if !ok {
		listing = m.listRegion(ctx, region)
		regions[region] = listing
	}
	if listing.err != nil {
		return fav, listing.err
	}
	if !listing.sites[fav.Site.ID] {
		return fav, &domain.MigrationError{SiteID: fav.Site.ID, Reason: "site is no longer listed"}
	}

	sites, err := m.store.Sites(ctx, []domain.SiteID{fav.Site.ID})
	if err != nil {
		return fav, fmt.Errorf("read site %s: %w", fav.Site.ID, err)
	}
	if len(sites) == 0 {
		return fav, &domain.MigrationError{SiteID: fav.Site.ID, Reason: "site is missing from the stored listing"}
	}

	site := sites[0]
	v, ok := datasource.PreferredVariable(site.SupportedVariables)
	if !ok {
		return fav, &domain.MigrationError{SiteID: fav.Site.ID, Reason: "site has no supported variables"}
	}

	fav.Site = site
	fav.VariableID = v.ID
	if err := m.store.UpdateFavorite(ctx, fav); err != nil {
		return fav, fmt.Errorf("update favorite %d: %w", fav.ID, err)
	}
	return fav, nil
}

// listRegion refreshes the stored listing for region and returns the sites it
// contains.
func (m *Migrator) listRegion(ctx context.Context, region domain.USState) *regionListing {
	sites, err := m.lister.ListSites(ctx, region)
	if err != nil {
		if domain.IsTransport(err) {
			return &regionListing{err: err}
		}
		return &regionListing{err: &domain.MigrationError{Reason: fmt.Sprintf("list region %s", region), Err: err}}
	}
	if err := m.store.SaveSites(ctx, region, sites); err != nil {
		return &regionListing{err: fmt.Errorf("save %s sites: %w", region, err)}
	}
	ids := make(map[domain.SiteID]bool, len(sites))
	for _, d := range sites {
		ids[d.Site.ID] = true
	}
	return &regionListing{sites: ids}
}

func notify(progress ProgressFunc, e MigrationEvent) {
	if progress != nil {
		progress(e)
	}
}
