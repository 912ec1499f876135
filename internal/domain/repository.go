package domain

import (
	"context"
	"time"
)

// FavoriteFilter narrows a favorites query. Zero fields match everything.
type FavoriteFilter struct {
	SiteID     *SiteID
	VariableID string
	Limit      int
}

// FavoriteStore persists favorites.
type FavoriteStore interface {
	Favorites(ctx context.Context, filter FavoriteFilter) ([]Favorite, error)
	CreateFavorite(ctx context.Context, fav Favorite) (Favorite, error)
	UpdateFavorite(ctx context.Context, fav Favorite) error

	// DeleteFavorite removes the favorites on site with variableID. An empty
	// variableID removes only legacy favorites.
	DeleteFavorite(ctx context.Context, site SiteID, variableID string) error

	HasFavorites(ctx context.Context) (bool, error)
	HasNewFavoritesSince(ctx context.Context, since time.Time) (bool, error)
}

// SiteStore persists site listings.
type SiteStore interface {
	SaveSites(ctx context.Context, state USState, sites []SiteData) error

	// Sites returns the stored sites among ids. Missing ids are omitted.
	Sites(ctx context.Context, ids []SiteID) ([]Site, error)
}
