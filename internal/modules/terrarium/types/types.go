package types

import "time"

type SensorKind string

const (
	KindTemperature SensorKind = "temperature"
	KindHumidity    SensorKind = "humidity"
)

// Kinds is the fixed set of sensor kinds the by-kind summary reports on.
var Kinds = []SensorKind{KindTemperature, KindHumidity}

func (k SensorKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleBaskingTemp Role = "basking_temp"
	RoleEnvTemp     Role = "env_temp"
	RoleHumidity    Role = "humidity"
)

// Roles drives role resolution; the aggregator walks it in order.
var Roles = []Role{RoleBaskingTemp, RoleEnvTemp, RoleHumidity}

func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

type Site struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Reading is an immutable sensor observation. Value is nil when the device
// reported the sensor as unavailable.
type Reading struct {
	ID        int64      `json:"id"`
	SiteID    int64      `json:"terrarium_id"`
	Kind      SensorKind `json:"sensor_type"`
	Value     *float64   `json:"value"`
	Unit      string     `json:"unit"`
	SourceID  *string    `json:"entity_id,omitempty"`
	Time      time.Time  `json:"ts"`
	Available bool       `json:"available"`
}

type RoleBinding struct {
	SiteID    int64     `json:"terrarium_id"`
	Role      Role      `json:"role"`
	SourceID  string    `json:"entity_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SeenSource is a distinct source that has reported readings for a site.
type SeenSource struct {
	SourceID string     `json:"entity_id"`
	Kind     SensorKind `json:"sensor_type"`
	LastSeen time.Time  `json:"last_seen"`
}

// KindSummary is the latest temperature and humidity for one site.
type KindSummary struct {
	SiteSlug        string     `json:"terrarium_slug"`
	Temperature     *float64   `json:"temperature"`
	TemperatureUnit *string    `json:"temperature_unit"`
	TemperatureTime *time.Time `json:"ts_temperature"`
	Humidity        *float64   `json:"humidity"`
	HumidityUnit    *string    `json:"humidity_unit"`
	HumidityTime    *time.Time `json:"ts_humidity"`
}

type RoleValue struct {
	SourceID  string    `json:"entity_id"`
	Value     *float64  `json:"value"`
	Unit      string    `json:"unit"`
	Time      time.Time `json:"ts"`
	Available bool      `json:"available"`
}

// RoleSnapshot maps every known role to its latest value. A nil entry means
// the role is unbound or its source has not reported yet.
type RoleSnapshot struct {
	SiteSlug string              `json:"terrarium_slug"`
	Roles    map[Role]*RoleValue `json:"roles"`
}

// ReadingOut is the API shape of a reading, keyed by slug instead of site id.
type ReadingOut struct {
	SiteSlug  string     `json:"terrarium_slug"`
	Kind      SensorKind `json:"sensor_type"`
	Value     *float64   `json:"value"`
	Unit      string     `json:"unit"`
	Time      time.Time  `json:"ts"`
	SourceID  *string    `json:"entity_id"`
	Available bool       `json:"available"`
}

// IngestPayload is accepted both over HTTP and MQTT.
type IngestPayload struct {
	SiteSlug  string     `json:"terrarium_slug" validate:"required,min=1,max=50"`
	Kind      SensorKind `json:"sensor_type" validate:"required,oneof=temperature humidity"`
	Value     *float64   `json:"value"`
	Unit      string     `json:"unit" validate:"required,min=1,max=16"`
	SourceID  *string    `json:"entity_id,omitempty" validate:"omitempty,max=128"`
	Time      time.Time  `json:"ts" validate:"required"`
	Role      *Role      `json:"role,omitempty" validate:"omitempty,oneof=basking_temp env_temp humidity"`
	Available *bool      `json:"available,omitempty"`
}

// EventSummary is the only event type published today.
const EventSummary = "summary"

// Event is what the hub fans out after a reading or binding change. It always
// carries the full by-kind summary so a subscriber that missed earlier events
// still renders current state.
type Event struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	SiteSlug    string        `json:"terrarium_slug"`
	Summary     []KindSummary `json:"summary"`
	Roles       *RoleSnapshot `json:"roles,omitempty"`
	PublishedAt time.Time     `json:"published_at"`
}
