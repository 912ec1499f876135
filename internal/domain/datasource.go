package domain

import (
	"context"
	"io"
)

// Response is the body of a GET. Body must be closed by the caller.
type Response struct {
	Body io.ReadCloser
	URL  string

	// FromCache is true when Body is served from the on-disk cache.
	FromCache bool
}

// Transport performs HTTP GETs. hardRefresh bypasses any cache.
type Transport interface {
	Get(ctx context.Context, url string, hardRefresh bool) (*Response, error)
}

// DataSource fetches and decodes telemetry for one agency.
type DataSource interface {
	Agency() string

	// AcceptedVariables lists every variable the agency can produce.
	AcceptedVariables() []Variable

	// FetchSite makes one request for site. An empty variables slice asks for
	// everything the agency has. Undecodable payloads fail with
	// *DataParseError, network failures with *TransportError.
	FetchSite(ctx context.Context, site Site, variables []Variable, hardRefresh bool) (*SiteData, error)

	// FetchFavorites fetches each unique site referenced by favorites once and
	// returns one FavoriteData per favorite, in input order.
	FetchFavorites(ctx context.Context, favorites []Favorite, hardRefresh bool) ([]FavoriteData, error)

	Transport() Transport
	SetTransport(t Transport)
}

// SiteLister is implemented by data sources that publish a site catalog.
type SiteLister interface {
	ListSites(ctx context.Context, state USState) ([]SiteData, error)
}
