package httpcache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/riverflows/internal/domain"
)

// FixtureTransport serves saved feed files instead of making network calls.
// A URL under baseURL maps to a file in dir named after the rest of the URL
// with path and query separators collapsed to underscores, unless an explicit
// route was registered for it.
type FixtureTransport struct {
	baseURL string
	dir     string
	routes  map[string]string
}

// NewFixtureTransport creates a transport serving files from dir.
func NewFixtureTransport(baseURL, dir string) *FixtureTransport {
	return &FixtureTransport{
		baseURL: baseURL,
		dir:     dir,
		routes:  make(map[string]string),
	}
}

// Route serves file (relative to dir) for url.
func (t *FixtureTransport) Route(url, file string) {
	t.routes[url] = file
}

// Get opens the fixture for url. Unknown URLs fail with a 404 StatusError.
func (t *FixtureTransport) Get(_ context.Context, url string, _ bool) (*domain.Response, error) {
	name, ok := t.routes[url]
	if !ok {
		rest, found := strings.CutPrefix(url, t.baseURL)
		if !found {
			return nil, &StatusError{URL: url, StatusCode: http.StatusNotFound, Body: "no fixture"}
		}
		name = FixtureName(rest)
	}

	f, err := os.Open(filepath.Join(t.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &StatusError{URL: url, StatusCode: http.StatusNotFound, Body: "no fixture " + name}
	}
	if err != nil {
		return nil, err
	}
	return &domain.Response{Body: f, URL: url}, nil
}

// FixtureName converts a URL suffix to a file name.
func FixtureName(rest string) string {
	return strings.Join(strings.FieldsFunc(rest, func(r rune) bool {
		return strings.ContainsRune("/?&=,", r)
	}), "_")
}
