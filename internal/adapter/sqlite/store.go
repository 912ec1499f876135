// Package sqlite persists favorites and site listings in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/couchcryptid/riverflows/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// timeFormat is fixed width so stored timestamps compare as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// ErrFavoriteNotFound is returned when updating a favorite that does not exist.
var ErrFavoriteNotFound = errors.New("favorite not found")

// VariableResolver resolves the variable ids stored with a site.
type VariableResolver interface {
	Variable(agency, id string) (domain.Variable, error)
}

// Store implements domain.FavoriteStore and domain.SiteStore.
type Store struct {
	db        *sql.DB
	variables VariableResolver
	logger    *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, variables VariableResolver, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, variables: variables, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const favoriteColumns = `f.id, f.agency, f.site_id, f.variable_id, f.name, f.sort_order, f.created_at,
	COALESCE(NULLIF(s.name, ''), f.site_name), COALESCE(s.lat, 0), COALESCE(s.lon, 0),
	COALESCE(NULLIF(s.state, ''), f.state), COALESCE(s.variables, '')`

// Favorites returns favorites matching filter ordered by sort order.
func (s *Store) Favorites(ctx context.Context, filter domain.FavoriteFilter) ([]domain.Favorite, error) {
	var (
		where []string
		args  []any
	)
	if filter.SiteID != nil {
		where = append(where, "f.agency = ? AND f.site_id = ?")
		args = append(args, filter.SiteID.Agency, filter.SiteID.ID)
	}
	if filter.VariableID != "" {
		where = append(where, "f.variable_id = ?")
		args = append(args, filter.VariableID)
	}

	q := "SELECT " + favoriteColumns + " FROM favorites f LEFT JOIN sites s ON s.agency = f.agency AND s.id = f.site_id"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY f.sort_order, f.id"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query favorites: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("close favorites rows", "error", err)
		}
	}()

	var out []domain.Favorite
	for rows.Next() {
		var (
			f         domain.Favorite
			createdAt string
			state     string
			variables string
		)
		if err := rows.Scan(&f.ID, &f.Site.ID.Agency, &f.Site.ID.ID, &f.VariableID, &f.Name, &f.Order, &createdAt,
			&f.Site.Name, &f.Site.Lat, &f.Site.Lon, &state, &variables); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		f.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("favorite %d created_at: %w", f.ID, err)
		}
		f.Site.State = domain.USState(state)
		f.Site.SupportedVariables = s.resolve(f.Site.ID.Agency, variables)
		out = append(out, f)
	}
	return out, rows.Err()
}

// CreateFavorite inserts fav and returns it with its id assigned. A zero
// Order places it last; a zero CreatedAt is set to now.
func (s *Store) CreateFavorite(ctx context.Context, fav domain.Favorite) (domain.Favorite, error) {
	if fav.CreatedAt.IsZero() {
		fav.CreatedAt = domain.Now()
	}
	if fav.Order == 0 {
		if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sort_order), 0) + 1 FROM favorites").Scan(&fav.Order); err != nil {
			return fav, fmt.Errorf("next sort order: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO favorites (agency, site_id, site_name, state, variable_id, name, sort_order, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fav.Site.ID.Agency, fav.Site.ID.ID, fav.Site.Name, string(fav.Site.State.Normalize()),
		fav.VariableID, fav.Name, fav.Order, formatTime(fav.CreatedAt))
	if err != nil {
		return fav, fmt.Errorf("insert favorite: %w", err)
	}
	if fav.ID, err = res.LastInsertId(); err != nil {
		return fav, fmt.Errorf("favorite id: %w", err)
	}
	return fav, nil
}

// UpdateFavorite rewrites every stored field of fav by id.
func (s *Store) UpdateFavorite(ctx context.Context, fav domain.Favorite) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE favorites SET agency = ?, site_id = ?, site_name = ?, state = ?, variable_id = ?, name = ?, sort_order = ?
		 WHERE id = ?`,
		fav.Site.ID.Agency, fav.Site.ID.ID, fav.Site.Name, string(fav.Site.State.Normalize()),
		fav.VariableID, fav.Name, fav.Order, fav.ID)
	if err != nil {
		return fmt.Errorf("update favorite %d: %w", fav.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update favorite %d: %w", fav.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update favorite %d: %w", fav.ID, ErrFavoriteNotFound)
	}
	return nil
}

func (s *Store) DeleteFavorite(ctx context.Context, site domain.SiteID, variableID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM favorites WHERE agency = ? AND site_id = ? AND variable_id = ?", site.Agency, site.ID, variableID)
	if err != nil {
		return fmt.Errorf("delete favorites on %s: %w", site, err)
	}
	return nil
}

func (s *Store) HasFavorites(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM favorites)").Scan(&ok)
	return ok, err
}

// HasNewFavoritesSince reports whether a favorite was created after since.
func (s *Store) HasNewFavoritesSince(ctx context.Context, since time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM favorites WHERE created_at > ?)", formatTime(since)).Scan(&ok)
	return ok, err
}

// SaveSites replaces the stored listing for state in one transaction. Only
// agencies present in sites are replaced; stored sites of other agencies are
// left as they were.
func (s *Store) SaveSites(ctx context.Context, state domain.USState, sites []domain.SiteData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	region := string(state.Normalize())
	cleared := make(map[string]bool)
	for _, d := range sites {
		agency := d.Site.ID.Agency
		if cleared[agency] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sites WHERE state = ? AND agency = ?", region, agency); err != nil {
			return fmt.Errorf("clear %s %s sites: %w", agency, region, err)
		}
		cleared[agency] = true
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sites (agency, id, name, lat, lon, state, variables) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agency, id) DO UPDATE SET
		   name = excluded.name, lat = excluded.lat, lon = excluded.lon,
		   state = excluded.state, variables = excluded.variables`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, d := range sites {
		site := d.Site
		st := region
		if site.State != "" {
			st = string(site.State.Normalize())
		}
		ids := make([]string, len(site.SupportedVariables))
		for i, v := range site.SupportedVariables {
			ids[i] = v.ID
		}
		if _, err := stmt.ExecContext(ctx, site.ID.Agency, site.ID.ID, site.Name, site.Lat, site.Lon, st, strings.Join(ids, ",")); err != nil {
			return fmt.Errorf("save site %s: %w", site.ID, err)
		}
	}
	return tx.Commit()
}

// Sites returns the stored sites among ids, in the order given.
func (s *Store) Sites(ctx context.Context, ids []domain.SiteID) ([]domain.Site, error) {
	out := make([]domain.Site, 0, len(ids))
	for _, id := range ids {
		var (
			site      = domain.Site{ID: id}
			state     string
			variables string
		)
		err := s.db.QueryRowContext(ctx,
			"SELECT name, lat, lon, state, variables FROM sites WHERE agency = ? AND id = ?", id.Agency, id.ID).
			Scan(&site.Name, &site.Lat, &site.Lon, &state, &variables)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read site %s: %w", id, err)
		}
		site.State = domain.USState(state)
		site.SupportedVariables = s.resolve(id.Agency, variables)
		out = append(out, site)
	}
	return out, nil
}

// resolve turns a stored id list into variables. Ids the registry no longer
// knows are dropped.
func (s *Store) resolve(agency, ids string) []domain.Variable {
	if ids == "" {
		return nil
	}
	var out []domain.Variable
	for _, id := range strings.Split(ids, ",") {
		v, err := s.variables.Variable(agency, id)
		if err != nil {
			s.logger.Warn("dropping stored variable", "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
