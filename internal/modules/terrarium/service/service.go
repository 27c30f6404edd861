package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"terrarium-server/internal/modules/terrarium/aggregate"
	"terrarium-server/internal/modules/terrarium/repository"
	"terrarium-server/internal/modules/terrarium/types"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidRole    = errors.New("invalid role")
)

// Publisher is the hub side the service needs; *broadcast.Hub[types.Event]
// satisfies it.
type Publisher interface {
	Publish(event types.Event)
}

type Service struct {
	repository repository.TerrariumRepository
	aggregator *aggregate.Aggregator
	publisher  Publisher
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(repo repository.TerrariumRepository, agg *aggregate.Aggregator, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repository: repo,
		aggregator: agg,
		publisher:  publisher,
		validate:   validator.New(),
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Service) Aggregator() *aggregate.Aggregator {
	return s.aggregator
}

func (s *Service) Repository() repository.TerrariumRepository {
	return s.repository
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// NormalizeSlug lowercases s, turns spaces and any other character outside
// [a-z0-9-] into '-', and trims dashes. An empty result becomes "default".
func NormalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.Trim(slugInvalid.ReplaceAllString(s, "-"), "-")
	if s == "" {
		return "default"
	}
	return s
}

// DisplayName turns a slug into the default site name: "leopard-gecko"
// becomes "Leopard Gecko".
func DisplayName(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// ValidatePayload checks struct tags plus the rule that an available reading
// must carry a value.
func (s *Service) ValidatePayload(p types.IngestPayload) error {
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, describeValidation(err))
	}
	if p.Time.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrInvalidPayload)
	}
	if available(p) && p.Value == nil {
		return fmt.Errorf("%w: value is required unless available is false", ErrInvalidPayload)
	}
	if p.Role != nil && (p.SourceID == nil || *p.SourceID == "") {
		return fmt.Errorf("%w: role requires entity_id", ErrInvalidPayload)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func available(p types.IngestPayload) bool {
	return p.Available == nil || *p.Available
}

// Ingest stores one reading, creating the site on first use and binding the
// payload's role first when one is given, then publishes the new summary.
func (s *Service) Ingest(ctx context.Context, p types.IngestPayload) (types.ReadingOut, error) {
	if err := s.ValidatePayload(p); err != nil {
		return types.ReadingOut{}, err
	}

	slug := NormalizeSlug(p.SiteSlug)
	site, err := s.repository.GetOrCreateSite(ctx, slug, DisplayName(slug))
	if err != nil {
		return types.ReadingOut{}, fmt.Errorf("get or create site: %w", err)
	}

	bound := false
	if p.Role != nil {
		if _, err := s.repository.SetRoleBinding(ctx, site.ID, *p.Role, *p.SourceID); err != nil {
			return types.ReadingOut{}, fmt.Errorf("bind role from payload: %w", err)
		}
		bound = true
	}

	reading := types.Reading{
		SiteID:    site.ID,
		Kind:      p.Kind,
		Unit:      p.Unit,
		SourceID:  p.SourceID,
		Time:      p.Time.UTC(),
		Available: available(p),
	}
	if reading.Available {
		reading.Value = p.Value
	}
	reading, err = s.repository.InsertReading(ctx, reading)
	if err != nil {
		if bound {
			s.OnReadingCommitted(ctx, slug)
		}
		return types.ReadingOut{}, err
	}

	s.logger.Debug("reading stored",
		"terrarium", slug,
		"sensor_type", reading.Kind,
		"reading_id", reading.ID,
	)

	s.OnReadingCommitted(ctx, slug)

	return types.ReadingOut{
		SiteSlug:  slug,
		Kind:      reading.Kind,
		Value:     reading.Value,
		Unit:      reading.Unit,
		Time:      reading.Time,
		SourceID:  reading.SourceID,
		Available: reading.Available,
	}, nil
}

// OnReadingCommitted recomputes the summary after a durable write and
// publishes it. Failures are logged; the write itself already succeeded.
func (s *Service) OnReadingCommitted(ctx context.Context, slug string) {
	summary, err := s.aggregator.ByKind(ctx)
	if err != nil {
		s.logger.Error("recompute summary", "terrarium", slug, "error", err)
		return
	}
	roles, err := s.aggregator.ByRole(ctx, slug)
	if err != nil {
		s.logger.Error("recompute role snapshot", "terrarium", slug, "error", err)
		return
	}
	s.publisher.Publish(types.Event{
		ID:          uuid.NewString(),
		Type:        types.EventSummary,
		SiteSlug:    slug,
		Summary:     summary,
		Roles:       roles,
		PublishedAt: s.now().UTC(),
	})
}

// SetRole binds role to sourceID on an existing site.
func (s *Service) SetRole(ctx context.Context, slug string, role types.Role, sourceID string) (types.RoleBinding, error) {
	if !role.Valid() {
		return types.RoleBinding{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" || len(sourceID) > 128 {
		return types.RoleBinding{}, fmt.Errorf("%w: entity_id must be 1..128 characters", ErrInvalidPayload)
	}
	site, err := s.repository.GetSiteBySlug(ctx, slug)
	if err != nil {
		return types.RoleBinding{}, err
	}
	binding, err := s.repository.SetRoleBinding(ctx, site.ID, role, sourceID)
	if err != nil {
		return types.RoleBinding{}, err
	}
	s.logger.Info("role bound", "terrarium", slug, "role", role, "entity_id", sourceID)
	s.OnReadingCommitted(ctx, slug)
	return binding, nil
}

// RoleMap is everything the admin page needs for one site.
type RoleMap struct {
	Site     types.Site
	Bindings map[types.Role]string
	Seen     []types.SeenSource
}

func (s *Service) RoleMap(ctx context.Context, slug string) (RoleMap, error) {
	site, err := s.repository.GetSiteBySlug(ctx, slug)
	if err != nil {
		return RoleMap{}, err
	}
	bindings, err := s.repository.ListRoleBindings(ctx, site.ID)
	if err != nil {
		return RoleMap{}, fmt.Errorf("list bindings: %w", err)
	}
	seen, err := s.repository.ListSeenSources(ctx, site.ID)
	if err != nil {
		return RoleMap{}, fmt.Errorf("list seen sources: %w", err)
	}
	out := RoleMap{Site: site, Bindings: make(map[types.Role]string, len(bindings)), Seen: seen}
	for _, b := range bindings {
		out.Bindings[b.Role] = b.SourceID
	}
	return out, nil
}
