package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"terrarium-server/internal/modules/terrarium/types"
)

//go:embed sql/insert-site.sql
var insertSiteSQL string

//go:embed sql/get-site-by-slug.sql
var getSiteBySlugSQL string

//go:embed sql/list-sites.sql
var listSitesSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/latest-reading-by-kind.sql
var latestReadingByKindSQL string

//go:embed sql/latest-reading-by-source.sql
var latestReadingBySourceSQL string

//go:embed sql/get-readings-since.sql
var getReadingsSinceSQL string

//go:embed sql/get-role-binding.sql
var getRoleBindingSQL string

//go:embed sql/list-role-bindings.sql
var listRoleBindingsSQL string

//go:embed sql/upsert-role-binding.sql
var upsertRoleBindingSQL string

//go:embed sql/list-seen-sources.sql
var listSeenSourcesSQL string

// ErrNotFound is returned when a site, reading or role binding does not exist.
var ErrNotFound = errors.New("not found")

// tsLayout is fixed width so that ORDER BY ts on TEXT columns is chronological.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type TerrariumRepository interface {
	// GetOrCreateSite returns the site for slug, creating it on first use.
	// Concurrent callers with the same new slug all get the same row.
	GetOrCreateSite(ctx context.Context, slug string, name string) (types.Site, error)
	GetSiteBySlug(ctx context.Context, slug string) (types.Site, error)
	ListSites(ctx context.Context) ([]types.Site, error)

	InsertReading(ctx context.Context, r types.Reading) (types.Reading, error)
	LatestReadingByKind(ctx context.Context, siteID int64, kind types.SensorKind) (types.Reading, error)
	LatestReadingBySource(ctx context.Context, siteID int64, sourceID string) (types.Reading, error)
	// GetReadingsSince lists readings at or after since, oldest first. An
	// empty slug means every site.
	GetReadingsSince(ctx context.Context, slug string, since time.Time) ([]types.ReadingOut, error)

	GetRoleBinding(ctx context.Context, siteID int64, role types.Role) (types.RoleBinding, error)
	ListRoleBindings(ctx context.Context, siteID int64) ([]types.RoleBinding, error)
	SetRoleBinding(ctx context.Context, siteID int64, role types.Role, sourceID string) (types.RoleBinding, error)
	ListSeenSources(ctx context.Context, siteID int64) ([]types.SeenSource, error)

	Ping(ctx context.Context) error
}

type repositoryImpl struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository returns the SQLite implementation. The schema is applied by
// internal/migrate.
func NewRepository(db *sql.DB) TerrariumRepository {
	return &repositoryImpl{db: db, now: time.Now}
}

func (r *repositoryImpl) GetOrCreateSite(ctx context.Context, slug string, name string) (types.Site, error) {
	if _, err := r.db.ExecContext(ctx, insertSiteSQL, slug, name, formatTS(r.now())); err != nil {
		return types.Site{}, fmt.Errorf("insert site %q: %w", slug, err)
	}
	// Losers of a concurrent insert hit DO NOTHING and read the winner's row.
	return r.GetSiteBySlug(ctx, slug)
}

func (r *repositoryImpl) GetSiteBySlug(ctx context.Context, slug string) (types.Site, error) {
	var (
		s  types.Site
		ts string
	)
	err := r.db.QueryRowContext(ctx, getSiteBySlugSQL, slug).Scan(&s.ID, &s.Slug, &s.Name, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Site{}, ErrNotFound
	}
	if err != nil {
		return types.Site{}, fmt.Errorf("get site %q: %w", slug, err)
	}
	if s.CreatedAt, err = parseTS(ts); err != nil {
		return types.Site{}, err
	}
	return s, nil
}

func (r *repositoryImpl) ListSites(ctx context.Context) ([]types.Site, error) {
	rows, err := r.db.QueryContext(ctx, listSitesSQL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close sites rows", "error", err)
		}
	}()
	var out []types.Site
	for rows.Next() {
		var (
			s  types.Site
			ts string
		)
		if err := rows.Scan(&s.ID, &s.Slug, &s.Name, &ts); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = parseTS(ts); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) InsertReading(ctx context.Context, rd types.Reading) (types.Reading, error) {
	rd.Time = rd.Time.UTC()
	res, err := r.db.ExecContext(ctx, insertReadingSQL,
		rd.SiteID, string(rd.Kind), nullableFloat(rd.Value), rd.Unit, nullableString(rd.SourceID),
		formatTS(rd.Time), rd.Available,
	)
	if err != nil {
		return types.Reading{}, fmt.Errorf("insert reading: %w", err)
	}
	if rd.ID, err = res.LastInsertId(); err != nil {
		return types.Reading{}, fmt.Errorf("insert reading id: %w", err)
	}
	return rd, nil
}

func (r *repositoryImpl) LatestReadingByKind(ctx context.Context, siteID int64, kind types.SensorKind) (types.Reading, error) {
	return r.latest(ctx, latestReadingByKindSQL, siteID, string(kind))
}

func (r *repositoryImpl) LatestReadingBySource(ctx context.Context, siteID int64, sourceID string) (types.Reading, error) {
	return r.latest(ctx, latestReadingBySourceSQL, siteID, sourceID)
}

func (r *repositoryImpl) latest(ctx context.Context, query string, args ...any) (types.Reading, error) {
	rec, err := scanReading(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Reading{}, ErrNotFound
	}
	return rec, err
}

func (r *repositoryImpl) GetReadingsSince(ctx context.Context, slug string, since time.Time) ([]types.ReadingOut, error) {
	rows, err := r.db.QueryContext(ctx, getReadingsSinceSQL, slug, slug, formatTS(since))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close readings rows", "error", err)
		}
	}()
	out := []types.ReadingOut{}
	for rows.Next() {
		var (
			rec  types.ReadingOut
			kind string
			ts   string
		)
		if err := rows.Scan(&rec.SiteSlug, &kind, &rec.Value, &rec.Unit, &ts, &rec.SourceID, &rec.Available); err != nil {
			return nil, err
		}
		rec.Kind = types.SensorKind(kind)
		if rec.Time, err = parseTS(ts); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) GetRoleBinding(ctx context.Context, siteID int64, role types.Role) (types.RoleBinding, error) {
	b, err := scanBinding(r.db.QueryRowContext(ctx, getRoleBindingSQL, siteID, string(role)))
	if errors.Is(err, sql.ErrNoRows) {
		return types.RoleBinding{}, ErrNotFound
	}
	return b, err
}

func (r *repositoryImpl) ListRoleBindings(ctx context.Context, siteID int64) ([]types.RoleBinding, error) {
	rows, err := r.db.QueryContext(ctx, listRoleBindingsSQL, siteID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close role rows", "error", err)
		}
	}()
	var out []types.RoleBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) SetRoleBinding(ctx context.Context, siteID int64, role types.Role, sourceID string) (types.RoleBinding, error) {
	if _, err := r.db.ExecContext(ctx, upsertRoleBindingSQL, siteID, string(role), sourceID, formatTS(r.now())); err != nil {
		return types.RoleBinding{}, fmt.Errorf("set role %s: %w", role, err)
	}
	return r.GetRoleBinding(ctx, siteID, role)
}

func (r *repositoryImpl) ListSeenSources(ctx context.Context, siteID int64) ([]types.SeenSource, error) {
	rows, err := r.db.QueryContext(ctx, listSeenSourcesSQL, siteID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close seen sources rows", "error", err)
		}
	}()
	var out []types.SeenSource
	for rows.Next() {
		var (
			s    types.SeenSource
			kind string
			ts   string
		)
		if err := rows.Scan(&s.SourceID, &kind, &ts); err != nil {
			return nil, err
		}
		s.Kind = types.SensorKind(kind)
		if s.LastSeen, err = parseTS(ts); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (types.Reading, error) {
	var (
		rec  types.Reading
		kind string
		ts   string
	)
	if err := row.Scan(&rec.ID, &rec.SiteID, &kind, &rec.Value, &rec.Unit, &rec.SourceID, &ts, &rec.Available); err != nil {
		return types.Reading{}, err
	}
	rec.Kind = types.SensorKind(kind)
	t, err := parseTS(ts)
	if err != nil {
		return types.Reading{}, err
	}
	rec.Time = t
	return rec, nil
}

func scanBinding(row rowScanner) (types.RoleBinding, error) {
	var (
		b    types.RoleBinding
		role string
		ts   string
	)
	if err := row.Scan(&b.SiteID, &role, &b.SourceID, &ts); err != nil {
		return types.RoleBinding{}, err
	}
	b.Role = types.Role(role)
	t, err := parseTS(ts)
	if err != nil {
		return types.RoleBinding{}, err
	}
	b.CreatedAt = t
	return b, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(ts string) (time.Time, error) {
	t, err := time.Parse(tsLayout, ts)
	if err != nil {
		var err2 error
		t, err2 = time.Parse(time.RFC3339Nano, ts)
		if err2 != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w; RFC3339Nano: %w", ts, err, err2)
		}
	}
	return t.UTC(), nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
