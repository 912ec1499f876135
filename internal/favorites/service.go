package favorites

import (
	"context"
	"errors"
	"log/slog"

	"github.com/couchcryptid/riverflows/internal/domain"
)

// Fetcher fetches data for favorites across agencies.
type Fetcher interface {
	FetchFavorites(ctx context.Context, favorites []domain.Favorite, hardRefresh bool) ([]domain.FavoriteData, error)
}

// Service loads display-ready favorites.
type Service struct {
	store    domain.FavoriteStore
	migrator *Migrator
	fetcher  Fetcher
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(store domain.FavoriteStore, migrator *Migrator, fetcher Fetcher, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		migrator: migrator,
		fetcher:  fetcher,
		logger:   logger,
	}
}

// Load reads the stored favorites, repairs legacy ones, fetches every site
// and expands the result. A transport error from the migration or the fetch
// is returned with no data.
func (s *Service) Load(ctx context.Context, hardRefresh bool, progress ProgressFunc) ([]domain.FavoriteData, error) {
	has, err := s.store.HasFavorites(ctx)
	if err != nil {
		return nil, err
	}
	if !has {
		return []domain.FavoriteData{}, nil
	}

	favs, err := s.store.Favorites(ctx, domain.FavoriteFilter{})
	if err != nil {
		return nil, err
	}

	favs, err = s.migrator.Migrate(ctx, favs, progress)
	if errors.Is(err, domain.ErrNoNetwork) {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("favorites migration incomplete", "error", err)
	}

	var ready []domain.Favorite
	for _, fav := range favs {
		if fav.HasVariable() {
			ready = append(ready, fav)
		}
	}
	if len(ready) == 0 {
		return []domain.FavoriteData{}, nil
	}

	data, err := s.fetcher.FetchFavorites(ctx, ready, hardRefresh)
	if err != nil {
		return nil, err
	}
	return Expand(data), nil
}
