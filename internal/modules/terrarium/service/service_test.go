package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"terrarium-server/internal/migrate"
	"terrarium-server/internal/modules/terrarium/aggregate"
	"terrarium-server/internal/modules/terrarium/repository"
	"terrarium-server/internal/modules/terrarium/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *recordingPublisher) Publish(ev types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Event(nil), p.events...)
}

type fakeSubscriber struct {
	handler func(ctx context.Context, payload types.IngestPayload) error
}

func (f *fakeSubscriber) SetMessageHandler(h func(ctx context.Context, payload types.IngestPayload) error) {
	f.handler = h
}

func newTestService(t *testing.T) (*Service, *recordingPublisher) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "svc.db") + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := migrate.Run(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return newServiceOver(repository.NewRepository(db))
}

func newServiceOver(repo repository.TerrariumRepository) (*Service, *recordingPublisher) {
	pub := &recordingPublisher{}
	return NewService(repo, aggregate.New(repo), pub, nil), pub
}

// flakyRepository fails selected writes and passes everything else through.
type flakyRepository struct {
	repository.TerrariumRepository
	bindErr   error
	insertErr error
}

func (f *flakyRepository) SetRoleBinding(ctx context.Context, siteID int64, role types.Role, sourceID string) (types.RoleBinding, error) {
	if f.bindErr != nil {
		return types.RoleBinding{}, f.bindErr
	}
	return f.TerrariumRepository.SetRoleBinding(ctx, siteID, role, sourceID)
}

func (f *flakyRepository) InsertReading(ctx context.Context, r types.Reading) (types.Reading, error) {
	if f.insertErr != nil {
		return types.Reading{}, f.insertErr
	}
	return f.TerrariumRepository.InsertReading(ctx, r)
}

func ptr[T any](v T) *T { return &v }

func validPayload() types.IngestPayload {
	return types.IngestPayload{
		SiteSlug: "Leo Tank",
		Kind:     types.KindTemperature,
		Value:    ptr(31.5),
		Unit:     "°C",
		SourceID: ptr("sensor.basking"),
		Time:     time.Date(2025, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
	}
}

func TestNormalizeSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"leo", "leo"},
		{"  Leo Tank  ", "leo-tank"},
		{"Crested_Gecko #2", "crested-gecko--2"},
		{"a.b/c", "a-b-c"},
		{"--a--", "a"},
		{"ÄÖÜ", "default"},
		{"", "default"},
		{"   ", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeSlug(tt.in); got != tt.want {
				t.Errorf("NormalizeSlug(%q) = %q; want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name    string
		mutate  func(p *types.IngestPayload)
		wantErr bool
	}{
		{"valid", func(p *types.IngestPayload) {}, false},
		{"missing slug", func(p *types.IngestPayload) { p.SiteSlug = "" }, true},
		{"slug too long", func(p *types.IngestPayload) { p.SiteSlug = string(make([]byte, 51)) }, true},
		{"unknown kind", func(p *types.IngestPayload) { p.Kind = "pressure" }, true},
		{"missing unit", func(p *types.IngestPayload) { p.Unit = "" }, true},
		{"missing ts", func(p *types.IngestPayload) { p.Time = time.Time{} }, true},
		{"missing value", func(p *types.IngestPayload) { p.Value = nil }, true},
		{"unavailable without value", func(p *types.IngestPayload) { p.Value = nil; p.Available = ptr(false) }, false},
		{"bad role", func(p *types.IngestPayload) { p.Role = ptr(types.Role("uv_index")) }, true},
		{"role without entity", func(p *types.IngestPayload) { p.Role = ptr(types.RoleBaskingTemp); p.SourceID = nil }, true},
		{"role with entity", func(p *types.IngestPayload) { p.Role = ptr(types.RoleBaskingTemp) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(&p)
			err := svc.ValidatePayload(p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePayload() err = %v; wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("err = %v; want ErrInvalidPayload", err)
			}
		})
	}
}

func TestIngest_StoresAndPublishes(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	out, err := svc.Ingest(ctx, validPayload())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if out.SiteSlug != "leo-tank" {
		t.Errorf("slug = %q; want leo-tank", out.SiteSlug)
	}
	if out.Time.Location() != time.UTC || out.Time.Hour() != 10 {
		t.Errorf("ts = %v; want 10:00 UTC", out.Time)
	}
	if !out.Available || out.Value == nil || *out.Value != 31.5 {
		t.Errorf("out = %+v; want available 31.5", out)
	}

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("events = %d; want 1", len(events))
	}
	ev := events[0]
	if ev.Type != types.EventSummary || ev.SiteSlug != "leo-tank" || ev.ID == "" {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Summary) != 1 || ev.Summary[0].Temperature == nil || *ev.Summary[0].Temperature != 31.5 {
		t.Errorf("event summary = %+v; want leo-tank at 31.5", ev.Summary)
	}
	if ev.Roles == nil || ev.Roles.SiteSlug != "leo-tank" {
		t.Errorf("event roles = %+v; want leo-tank snapshot", ev.Roles)
	}
}

func TestIngest_InvalidPayloadNotStored(t *testing.T) {
	svc, pub := newTestService(t)
	p := validPayload()
	p.Kind = "pressure"

	if _, err := svc.Ingest(context.Background(), p); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v; want ErrInvalidPayload", err)
	}
	if len(pub.all()) != 0 {
		t.Error("invalid payload published an event")
	}
	sites, err := svc.Repository().ListSites(context.Background())
	if err != nil {
		t.Fatalf("ListSites: %v", err)
	}
	if len(sites) != 0 {
		t.Errorf("sites = %+v; want none", sites)
	}
}

func TestIngest_UnavailableDropsValue(t *testing.T) {
	svc, _ := newTestService(t)
	p := validPayload()
	p.Available = ptr(false)

	out, err := svc.Ingest(context.Background(), p)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if out.Available || out.Value != nil {
		t.Errorf("out = %+v; want unavailable with no value", out)
	}
}

func TestIngest_PayloadRoleBindsSource(t *testing.T) {
	svc, pub := newTestService(t)
	p := validPayload()
	p.Role = ptr(types.RoleBaskingTemp)

	if _, err := svc.Ingest(context.Background(), p); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	ev := pub.all()[0]
	v := ev.Roles.Roles[types.RoleBaskingTemp]
	if v == nil || v.SourceID != "sensor.basking" || *v.Value != 31.5 {
		t.Errorf("basking_temp = %+v; want sensor.basking at 31.5", v)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		slug string
		want string
	}{
		{"leopard-gecko", "Leopard Gecko"},
		{"leo", "Leo"},
		{"crested-gecko--2", "Crested Gecko 2"},
		{"default", "Default"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := DisplayName(tt.slug); got != tt.want {
			t.Errorf("DisplayName(%q) = %q; want %q", tt.slug, got, tt.want)
		}
	}
}

func TestIngest_SiteNameFromSlug(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := validPayload()
	p.SiteSlug = "leopard-gecko"

	if _, err := svc.Ingest(ctx, p); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	site, err := svc.Repository().GetSiteBySlug(ctx, "leopard-gecko")
	if err != nil {
		t.Fatalf("GetSiteBySlug: %v", err)
	}
	if site.Name != "Leopard Gecko" {
		t.Errorf("Name = %q; want Leopard Gecko", site.Name)
	}
}

func TestIngest_RoleBindingFailureStoresNothing(t *testing.T) {
	base, _ := newTestService(t)
	repo := &flakyRepository{TerrariumRepository: base.Repository(), bindErr: errors.New("disk full")}
	svc, pub := newServiceOver(repo)
	p := validPayload()
	p.Role = ptr(types.RoleBaskingTemp)

	if _, err := svc.Ingest(context.Background(), p); err == nil {
		t.Fatal("Ingest() = nil; want binding error")
	}
	readings, err := repo.GetReadingsSince(context.Background(), "", time.Time{})
	if err != nil {
		t.Fatalf("GetReadingsSince: %v", err)
	}
	if len(readings) != 0 {
		t.Errorf("readings = %+v; want none stored", readings)
	}
	if n := len(pub.all()); n != 0 {
		t.Errorf("events = %d; want 0", n)
	}
}

func TestIngest_InsertFailureAfterBindingPublishes(t *testing.T) {
	base, _ := newTestService(t)
	repo := &flakyRepository{TerrariumRepository: base.Repository(), insertErr: errors.New("disk full")}
	svc, pub := newServiceOver(repo)
	p := validPayload()
	p.Role = ptr(types.RoleBaskingTemp)

	if _, err := svc.Ingest(context.Background(), p); err == nil {
		t.Fatal("Ingest() = nil; want insert error")
	}
	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("events = %d; want 1 for the stored binding", len(events))
	}
	if _, ok := events[0].Roles.Roles[types.RoleBaskingTemp]; !ok {
		t.Errorf("event roles = %+v; want basking_temp key", events[0].Roles)
	}
}

func TestSetRole(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Ingest(ctx, validPayload()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	t.Run("unknown site", func(t *testing.T) {
		_, err := svc.SetRole(ctx, "nope", types.RoleEnvTemp, "sensor.x")
		if !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("err = %v; want ErrNotFound", err)
		}
	})

	t.Run("invalid role", func(t *testing.T) {
		_, err := svc.SetRole(ctx, "leo-tank", "uv_index", "sensor.x")
		if !errors.Is(err, ErrInvalidRole) {
			t.Errorf("err = %v; want ErrInvalidRole", err)
		}
	})

	t.Run("empty entity", func(t *testing.T) {
		_, err := svc.SetRole(ctx, "leo-tank", types.RoleEnvTemp, "  ")
		if !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("err = %v; want ErrInvalidPayload", err)
		}
	})

	t.Run("binds and publishes", func(t *testing.T) {
		before := len(pub.all())
		b, err := svc.SetRole(ctx, "leo-tank", types.RoleEnvTemp, "sensor.basking")
		if err != nil {
			t.Fatalf("SetRole: %v", err)
		}
		if b.SourceID != "sensor.basking" || b.Role != types.RoleEnvTemp {
			t.Errorf("binding = %+v", b)
		}
		events := pub.all()
		if len(events) != before+1 {
			t.Fatalf("events = %d; want %d", len(events), before+1)
		}
		if v := events[len(events)-1].Roles.Roles[types.RoleEnvTemp]; v == nil || *v.Value != 31.5 {
			t.Errorf("env_temp = %+v; want 31.5", v)
		}

		rm, err := svc.RoleMap(ctx, "leo-tank")
		if err != nil {
			t.Fatalf("RoleMap: %v", err)
		}
		if rm.Bindings[types.RoleEnvTemp] != "sensor.basking" {
			t.Errorf("role map = %+v", rm.Bindings)
		}
		if len(rm.Seen) != 1 || rm.Seen[0].SourceID != "sensor.basking" {
			t.Errorf("seen = %+v", rm.Seen)
		}
	})
}

func TestRegister_MQTTHandlerIngests(t *testing.T) {
	svc, pub := newTestService(t)
	sub := &fakeSubscriber{}
	svc.Register(sub)
	if sub.handler == nil {
		t.Fatal("handler not registered")
	}

	if err := sub.handler(context.Background(), validPayload()); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(pub.all()) != 1 {
		t.Errorf("events = %d; want 1", len(pub.all()))
	}

	bad := validPayload()
	bad.Unit = ""
	if err := sub.handler(context.Background(), bad); err == nil {
		t.Error("handler accepted invalid payload")
	}
}
