package aggregate

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"terrarium-server/internal/modules/terrarium/repository"
	"terrarium-server/internal/modules/terrarium/types"
)

// memStore keeps readings in insertion order; ids grow with each insert.
type memStore struct {
	sites    []types.Site
	readings []types.Reading
	bindings map[int64]map[types.Role]string
	err      error
}

func newMemStore() *memStore {
	return &memStore{bindings: make(map[int64]map[types.Role]string)}
}

func (m *memStore) addSite(slug string) types.Site {
	s := types.Site{ID: int64(len(m.sites) + 1), Slug: slug, Name: slug}
	m.sites = append(m.sites, s)
	return s
}

func (m *memStore) add(siteID int64, kind types.SensorKind, source string, unix int64, v float64) {
	r := types.Reading{
		ID: int64(len(m.readings) + 1), SiteID: siteID, Kind: kind, Value: &v,
		Unit: "C", Time: time.Unix(unix, 0).UTC(), Available: true,
	}
	if source != "" {
		r.SourceID = &source
	}
	m.readings = append(m.readings, r)
}

func (m *memStore) bind(siteID int64, role types.Role, source string) {
	if m.bindings[siteID] == nil {
		m.bindings[siteID] = make(map[types.Role]string)
	}
	m.bindings[siteID][role] = source
}

func (m *memStore) GetSiteBySlug(_ context.Context, slug string) (types.Site, error) {
	if m.err != nil {
		return types.Site{}, m.err
	}
	for _, s := range m.sites {
		if s.Slug == slug {
			return s, nil
		}
	}
	return types.Site{}, repository.ErrNotFound
}

func (m *memStore) ListSites(_ context.Context) ([]types.Site, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := append([]types.Site(nil), m.sites...)
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *memStore) latest(match func(types.Reading) bool) (types.Reading, error) {
	var best *types.Reading
	for i := range m.readings {
		r := &m.readings[i]
		if !match(*r) {
			continue
		}
		if best == nil || r.Time.After(best.Time) || (r.Time.Equal(best.Time) && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return types.Reading{}, repository.ErrNotFound
	}
	return *best, nil
}

func (m *memStore) LatestReadingByKind(_ context.Context, siteID int64, kind types.SensorKind) (types.Reading, error) {
	return m.latest(func(r types.Reading) bool { return r.SiteID == siteID && r.Kind == kind })
}

func (m *memStore) LatestReadingBySource(_ context.Context, siteID int64, sourceID string) (types.Reading, error) {
	return m.latest(func(r types.Reading) bool {
		return r.SiteID == siteID && r.SourceID != nil && *r.SourceID == sourceID
	})
}

func (m *memStore) GetRoleBinding(_ context.Context, siteID int64, role types.Role) (types.RoleBinding, error) {
	src, ok := m.bindings[siteID][role]
	if !ok {
		return types.RoleBinding{}, repository.ErrNotFound
	}
	return types.RoleBinding{SiteID: siteID, Role: role, SourceID: src}, nil
}

func TestByKind_LatestTimestampWins(t *testing.T) {
	store := newMemStore()
	a := store.addSite("a")
	store.add(a.ID, types.KindTemperature, "", 10, 25)
	store.add(a.ID, types.KindTemperature, "", 20, 26)

	got, err := New(store).ByKindForSite(context.Background(), "a")
	if err != nil {
		t.Fatalf("ByKindForSite: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d; want 1", len(got))
	}
	s := got[0]
	if s.Temperature == nil || *s.Temperature != 26 || !s.TemperatureTime.Equal(time.Unix(20, 0)) {
		t.Errorf("temperature = %v at %v; want 26 at t=20", s.Temperature, s.TemperatureTime)
	}
	if s.Humidity != nil || s.HumidityUnit != nil || s.HumidityTime != nil {
		t.Errorf("humidity = %v/%v/%v; want all nil", s.Humidity, s.HumidityUnit, s.HumidityTime)
	}
}

func TestByKind_OutOfOrderArrival(t *testing.T) {
	store := newMemStore()
	a := store.addSite("a")
	store.add(a.ID, types.KindHumidity, "", 20, 60)
	store.add(a.ID, types.KindHumidity, "", 10, 40)

	got, err := New(store).ByKindForSite(context.Background(), "a")
	if err != nil {
		t.Fatalf("ByKindForSite: %v", err)
	}
	if *got[0].Humidity != 60 {
		t.Errorf("humidity = %v; want 60 (max timestamp, not last insert)", *got[0].Humidity)
	}
}

func TestByKind_TieBrokenByInsertOrder(t *testing.T) {
	store := newMemStore()
	a := store.addSite("a")
	store.add(a.ID, types.KindTemperature, "", 10, 1)
	store.add(a.ID, types.KindTemperature, "", 10, 2)

	got, err := New(store).ByKindForSite(context.Background(), "a")
	if err != nil {
		t.Fatalf("ByKindForSite: %v", err)
	}
	if *got[0].Temperature != 2 {
		t.Errorf("temperature = %v; want 2", *got[0].Temperature)
	}
}

func TestByKind_AllSitesSkipsEmpty(t *testing.T) {
	store := newMemStore()
	b := store.addSite("b")
	store.addSite("empty")
	a := store.addSite("a")
	store.add(a.ID, types.KindTemperature, "", 1, 20)
	store.add(b.ID, types.KindHumidity, "", 1, 50)

	got, err := New(store).ByKind(context.Background())
	if err != nil {
		t.Fatalf("ByKind: %v", err)
	}
	if len(got) != 2 || got[0].SiteSlug != "a" || got[1].SiteSlug != "b" {
		t.Fatalf("ByKind = %+v; want a, b", got)
	}
}

func TestByKind_ZeroReadingsAllAbsent(t *testing.T) {
	store := newMemStore()
	store.addSite("a")

	got, err := New(store).ByKindForSite(context.Background(), "a")
	if err != nil {
		t.Fatalf("ByKindForSite: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d; want 1", len(got))
	}
	if got[0].Temperature != nil || got[0].Humidity != nil {
		t.Errorf("got %+v; want all nil", got[0])
	}
}

func TestByKind_UnknownSlugEmpty(t *testing.T) {
	got, err := New(newMemStore()).ByKindForSite(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ByKindForSite: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v; want empty non-nil list", got)
	}
}

func TestByRole_IgnoresUnboundNewerSource(t *testing.T) {
	store := newMemStore()
	a := store.addSite("a")
	store.bind(a.ID, types.RoleBaskingTemp, "sensorX")
	store.add(a.ID, types.KindTemperature, "sensorX", 5, 30)
	store.add(a.ID, types.KindTemperature, "sensorY", 100, 99)

	snap, err := New(store).ByRole(context.Background(), "a")
	if err != nil {
		t.Fatalf("ByRole: %v", err)
	}
	if snap == nil {
		t.Fatal("snapshot is nil")
	}
	bask := snap.Roles[types.RoleBaskingTemp]
	if bask == nil || *bask.Value != 30 || !bask.Time.Equal(time.Unix(5, 0)) || bask.SourceID != "sensorX" {
		t.Fatalf("basking_temp = %+v; want 30 at t=5 from sensorX", bask)
	}
	for _, role := range []types.Role{types.RoleEnvTemp, types.RoleHumidity} {
		v, ok := snap.Roles[role]
		if !ok {
			t.Errorf("role %s missing from snapshot", role)
		}
		if v != nil {
			t.Errorf("role %s = %+v; want nil", role, v)
		}
	}
}

func TestByRole_BoundSourceWithoutReadings(t *testing.T) {
	store := newMemStore()
	a := store.addSite("a")
	store.bind(a.ID, types.RoleHumidity, "sensor.h")

	snap, err := New(store).ByRole(context.Background(), "a")
	if err != nil {
		t.Fatalf("ByRole: %v", err)
	}
	if snap.Roles[types.RoleHumidity] != nil {
		t.Errorf("humidity = %+v; want nil", snap.Roles[types.RoleHumidity])
	}
	if len(snap.Roles) != len(types.Roles) {
		t.Errorf("roles = %d; want %d", len(snap.Roles), len(types.Roles))
	}
}

func TestByRole_UnknownSlugNil(t *testing.T) {
	snap, err := New(newMemStore()).ByRole(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ByRole: %v", err)
	}
	if snap != nil {
		t.Errorf("snapshot = %+v; want nil", snap)
	}
}

func TestByRoleAll(t *testing.T) {
	store := newMemStore()
	b := store.addSite("b")
	a := store.addSite("a")
	store.bind(a.ID, types.RoleEnvTemp, "s1")
	store.add(a.ID, types.KindTemperature, "s1", 1, 22)
	store.bind(b.ID, types.RoleEnvTemp, "s2")

	got, err := New(store).ByRoleAll(context.Background())
	if err != nil {
		t.Fatalf("ByRoleAll: %v", err)
	}
	if len(got) != 2 || got[0].SiteSlug != "a" || got[1].SiteSlug != "b" {
		t.Fatalf("ByRoleAll = %+v; want a, b", got)
	}
	if v := got[0].Roles[types.RoleEnvTemp]; v == nil || *v.Value != 22 {
		t.Errorf("a env_temp = %+v; want 22", v)
	}
	if got[1].Roles[types.RoleEnvTemp] != nil {
		t.Errorf("b env_temp = %+v; want nil", got[1].Roles[types.RoleEnvTemp])
	}
}

func TestAggregator_PropagatesStoreErrors(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk on fire")
	agg := New(store)
	ctx := context.Background()

	if _, err := agg.ByKind(ctx); err == nil {
		t.Error("ByKind: want error")
	}
	if _, err := agg.ByKindForSite(ctx, "a"); err == nil {
		t.Error("ByKindForSite: want error")
	}
	if _, err := agg.ByRole(ctx, "a"); err == nil {
		t.Error("ByRole: want error")
	}
	if _, err := agg.ByRoleAll(ctx); err == nil {
		t.Error("ByRoleAll: want error")
	}
}
