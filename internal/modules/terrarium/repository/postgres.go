package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"terrarium-server/internal/modules/terrarium/types"
)

// PostgresRepository stores terrariums in Postgres through a pgx pool. It
// creates its own schema on startup.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, databaseURL string, maxConns int32) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS terrariums (
  id BIGSERIAL PRIMARY KEY,
  slug TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS readings (
  id BIGSERIAL PRIMARY KEY,
  terrarium_id BIGINT NOT NULL REFERENCES terrariums(id) ON DELETE CASCADE,
  sensor_type TEXT NOT NULL CHECK (sensor_type IN ('temperature', 'humidity')),
  value DOUBLE PRECISION,
  unit TEXT NOT NULL,
  entity_id TEXT,
  ts TIMESTAMPTZ NOT NULL,
  available BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_readings_kind_ts ON readings(terrarium_id, sensor_type, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_readings_entity_ts ON readings(terrarium_id, entity_id, ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS sensor_roles (
  id BIGSERIAL PRIMARY KEY,
  terrarium_id BIGINT NOT NULL REFERENCES terrariums(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (terrarium_id, role)
);
`
	_, err := r.pool.Exec(ctx, schema)
	return err
}

func (r *PostgresRepository) GetOrCreateSite(ctx context.Context, slug string, name string) (types.Site, error) {
	const query = `
INSERT INTO terrariums (slug, name)
VALUES ($1, $2)
ON CONFLICT (slug) DO NOTHING
`
	if _, err := r.pool.Exec(ctx, query, slug, name); err != nil {
		return types.Site{}, fmt.Errorf("insert site %q: %w", slug, err)
	}
	return r.GetSiteBySlug(ctx, slug)
}

func (r *PostgresRepository) GetSiteBySlug(ctx context.Context, slug string) (types.Site, error) {
	const query = `SELECT id, slug, name, created_at FROM terrariums WHERE slug = $1`

	var s types.Site
	err := r.pool.QueryRow(ctx, query, slug).Scan(&s.ID, &s.Slug, &s.Name, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Site{}, ErrNotFound
	}
	if err != nil {
		return types.Site{}, fmt.Errorf("get site %q: %w", slug, err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (r *PostgresRepository) ListSites(ctx context.Context) ([]types.Site, error) {
	const query = `SELECT id, slug, name, created_at FROM terrariums ORDER BY slug ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Site
	for rows.Next() {
		var s types.Site
		if err := rows.Scan(&s.ID, &s.Slug, &s.Name, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.CreatedAt = s.CreatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertReading(ctx context.Context, rd types.Reading) (types.Reading, error) {
	const query = `
INSERT INTO readings (terrarium_id, sensor_type, value, unit, entity_id, ts, available)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`
	rd.Time = rd.Time.UTC()
	err := r.pool.QueryRow(ctx, query,
		rd.SiteID, string(rd.Kind), rd.Value, rd.Unit, rd.SourceID, rd.Time, rd.Available,
	).Scan(&rd.ID)
	if err != nil {
		return types.Reading{}, fmt.Errorf("insert reading: %w", err)
	}
	return rd, nil
}

func (r *PostgresRepository) LatestReadingByKind(ctx context.Context, siteID int64, kind types.SensorKind) (types.Reading, error) {
	const query = `
SELECT id, terrarium_id, sensor_type, value, unit, entity_id, ts, available
FROM readings
WHERE terrarium_id = $1 AND sensor_type = $2
ORDER BY ts DESC, id DESC
LIMIT 1
`
	return r.latest(ctx, query, siteID, string(kind))
}

func (r *PostgresRepository) LatestReadingBySource(ctx context.Context, siteID int64, sourceID string) (types.Reading, error) {
	const query = `
SELECT id, terrarium_id, sensor_type, value, unit, entity_id, ts, available
FROM readings
WHERE terrarium_id = $1 AND entity_id = $2
ORDER BY ts DESC, id DESC
LIMIT 1
`
	return r.latest(ctx, query, siteID, sourceID)
}

func (r *PostgresRepository) latest(ctx context.Context, query string, args ...any) (types.Reading, error) {
	var (
		rec  types.Reading
		kind string
	)
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&rec.ID, &rec.SiteID, &kind, &rec.Value, &rec.Unit, &rec.SourceID, &rec.Time, &rec.Available,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Reading{}, ErrNotFound
	}
	if err != nil {
		return types.Reading{}, err
	}
	rec.Kind = types.SensorKind(kind)
	rec.Time = rec.Time.UTC()
	return rec, nil
}

func (r *PostgresRepository) GetReadingsSince(ctx context.Context, slug string, since time.Time) ([]types.ReadingOut, error) {
	const query = `
SELECT t.slug, r.sensor_type, r.value, r.unit, r.ts, r.entity_id, r.available
FROM readings r
JOIN terrariums t ON t.id = r.terrarium_id
WHERE ($1 = '' OR t.slug = $1)
  AND r.ts >= $2
ORDER BY r.ts ASC, r.id ASC
`
	rows, err := r.pool.Query(ctx, query, slug, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.ReadingOut{}
	for rows.Next() {
		var (
			rec  types.ReadingOut
			kind string
		)
		if err := rows.Scan(&rec.SiteSlug, &kind, &rec.Value, &rec.Unit, &rec.Time, &rec.SourceID, &rec.Available); err != nil {
			return nil, err
		}
		rec.Kind = types.SensorKind(kind)
		rec.Time = rec.Time.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetRoleBinding(ctx context.Context, siteID int64, role types.Role) (types.RoleBinding, error) {
	const query = `
SELECT terrarium_id, role, entity_id, created_at
FROM sensor_roles
WHERE terrarium_id = $1 AND role = $2
`
	var b types.RoleBinding
	var roleStr string
	err := r.pool.QueryRow(ctx, query, siteID, string(role)).Scan(&b.SiteID, &roleStr, &b.SourceID, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.RoleBinding{}, ErrNotFound
	}
	if err != nil {
		return types.RoleBinding{}, err
	}
	b.Role = types.Role(roleStr)
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func (r *PostgresRepository) ListRoleBindings(ctx context.Context, siteID int64) ([]types.RoleBinding, error) {
	const query = `
SELECT terrarium_id, role, entity_id, created_at
FROM sensor_roles
WHERE terrarium_id = $1
ORDER BY role ASC
`
	rows, err := r.pool.Query(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RoleBinding
	for rows.Next() {
		var b types.RoleBinding
		var roleStr string
		if err := rows.Scan(&b.SiteID, &roleStr, &b.SourceID, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Role = types.Role(roleStr)
		b.CreatedAt = b.CreatedAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetRoleBinding(ctx context.Context, siteID int64, role types.Role, sourceID string) (types.RoleBinding, error) {
	const query = `
INSERT INTO sensor_roles (terrarium_id, role, entity_id)
VALUES ($1, $2, $3)
ON CONFLICT (terrarium_id, role) DO UPDATE
SET entity_id = EXCLUDED.entity_id,
    created_at = NOW()
RETURNING terrarium_id, role, entity_id, created_at
`
	var b types.RoleBinding
	var roleStr string
	err := r.pool.QueryRow(ctx, query, siteID, string(role), sourceID).Scan(&b.SiteID, &roleStr, &b.SourceID, &b.CreatedAt)
	if err != nil {
		return types.RoleBinding{}, fmt.Errorf("set role %s: %w", role, err)
	}
	b.Role = types.Role(roleStr)
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func (r *PostgresRepository) ListSeenSources(ctx context.Context, siteID int64) ([]types.SeenSource, error) {
	const query = `
SELECT entity_id, sensor_type, MAX(ts)
FROM readings
WHERE terrarium_id = $1 AND entity_id IS NOT NULL
GROUP BY entity_id, sensor_type
ORDER BY entity_id ASC, sensor_type ASC
`
	rows, err := r.pool.Query(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SeenSource
	for rows.Next() {
		var s types.SeenSource
		var kind string
		if err := rows.Scan(&s.SourceID, &kind, &s.LastSeen); err != nil {
			return nil, err
		}
		s.Kind = types.SensorKind(kind)
		s.LastSeen = s.LastSeen.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.pool.Ping(pingCtx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

var _ TerrariumRepository = (*PostgresRepository)(nil)
