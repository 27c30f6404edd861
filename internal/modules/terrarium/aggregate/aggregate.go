// Package aggregate turns the reading history into "latest value per site"
// snapshots, either per sensor kind or per bound role.
package aggregate

import (
	"context"
	"errors"
	"fmt"

	"terrarium-server/internal/modules/terrarium/repository"
	"terrarium-server/internal/modules/terrarium/types"
)

// Store is the slice of the repository the aggregator reads from.
type Store interface {
	GetSiteBySlug(ctx context.Context, slug string) (types.Site, error)
	ListSites(ctx context.Context) ([]types.Site, error)
	LatestReadingByKind(ctx context.Context, siteID int64, kind types.SensorKind) (types.Reading, error)
	LatestReadingBySource(ctx context.Context, siteID int64, sourceID string) (types.Reading, error)
	GetRoleBinding(ctx context.Context, siteID int64, role types.Role) (types.RoleBinding, error)
}

type Aggregator struct {
	store Store
}

func New(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// kindSetters fills the KindSummary columns for each sensor kind.
var kindSetters = map[types.SensorKind]func(*types.KindSummary, types.Reading){
	types.KindTemperature: func(s *types.KindSummary, r types.Reading) {
		s.Temperature, s.TemperatureUnit, s.TemperatureTime = r.Value, &r.Unit, &r.Time
	},
	types.KindHumidity: func(s *types.KindSummary, r types.Reading) {
		s.Humidity, s.HumidityUnit, s.HumidityTime = r.Value, &r.Unit, &r.Time
	},
}

// ByKind returns the latest temperature and humidity for every site that has
// at least one reading.
func (a *Aggregator) ByKind(ctx context.Context) ([]types.KindSummary, error) {
	sites, err := a.store.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	out := []types.KindSummary{}
	for _, site := range sites {
		summary, found, err := a.kindSummary(ctx, site)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, summary)
		}
	}
	return out, nil
}

// ByKindForSite is ByKind for a single site. An unknown slug gives an empty
// list; a known site with no readings gives one all-nil entry.
func (a *Aggregator) ByKindForSite(ctx context.Context, slug string) ([]types.KindSummary, error) {
	site, err := a.store.GetSiteBySlug(ctx, slug)
	if errors.Is(err, repository.ErrNotFound) {
		return []types.KindSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get site %q: %w", slug, err)
	}
	summary, _, err := a.kindSummary(ctx, site)
	if err != nil {
		return nil, err
	}
	return []types.KindSummary{summary}, nil
}

func (a *Aggregator) kindSummary(ctx context.Context, site types.Site) (types.KindSummary, bool, error) {
	summary := types.KindSummary{SiteSlug: site.Slug}
	found := false
	for _, kind := range types.Kinds {
		r, err := a.store.LatestReadingByKind(ctx, site.ID, kind)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return types.KindSummary{}, false, fmt.Errorf("latest %s for %q: %w", kind, site.Slug, err)
		}
		kindSetters[kind](&summary, r)
		found = true
	}
	return summary, found, nil
}

// ByRole resolves every role of the site through its binding to the latest
// reading of the bound source. It returns nil for an unknown slug.
func (a *Aggregator) ByRole(ctx context.Context, slug string) (*types.RoleSnapshot, error) {
	site, err := a.store.GetSiteBySlug(ctx, slug)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get site %q: %w", slug, err)
	}
	return a.roleSnapshot(ctx, site)
}

// ByRoleAll returns a role snapshot for every site, ordered like ListSites.
func (a *Aggregator) ByRoleAll(ctx context.Context) ([]types.RoleSnapshot, error) {
	sites, err := a.store.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	out := make([]types.RoleSnapshot, 0, len(sites))
	for _, site := range sites {
		snap, err := a.roleSnapshot(ctx, site)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

func (a *Aggregator) roleSnapshot(ctx context.Context, site types.Site) (*types.RoleSnapshot, error) {
	snap := &types.RoleSnapshot{
		SiteSlug: site.Slug,
		Roles:    make(map[types.Role]*types.RoleValue, len(types.Roles)),
	}
	for _, role := range types.Roles {
		v, err := a.resolveRole(ctx, site, role)
		if err != nil {
			return nil, err
		}
		snap.Roles[role] = v
	}
	return snap, nil
}

// resolveRole is role -> bound source -> latest reading from that source.
func (a *Aggregator) resolveRole(ctx context.Context, site types.Site, role types.Role) (*types.RoleValue, error) {
	binding, err := a.store.GetRoleBinding(ctx, site.ID, role)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("role %s for %q: %w", role, site.Slug, err)
	}
	r, err := a.store.LatestReadingBySource(ctx, site.ID, binding.SourceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest from %s for %q: %w", binding.SourceID, site.Slug, err)
	}
	return &types.RoleValue{
		SourceID:  binding.SourceID,
		Value:     r.Value,
		Unit:      r.Unit,
		Time:      r.Time,
		Available: r.Available,
	}, nil
}
