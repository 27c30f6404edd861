package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	// LogFile, when set, receives a copy of the log output and is rotated.
	LogFile  string
	HTTPAddr string

	APIKey           string
	CORSAllowOrigins []string

	DBDriver          string
	SQLiteDSN         string
	SQLitePath        string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBLogSQL          bool

	MQTTEnabled  bool
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTTopic    string

	HubBufferSize        int
	SSEHeartbeatInterval time.Duration
}

func LoadFromEnv() (Config, error) {
	appEnv := envOrDefault("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(envOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	apiKey := strings.TrimSpace(os.Getenv("REPTILE_API_KEY"))
	if apiKey == "" {
		return Config{}, fmt.Errorf("REPTILE_API_KEY is required")
	}

	driver := envOrDefault("DB_DRIVER", DriverSQLite)
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q (allowed: %s, %s)", driver, DriverSQLite, DriverPostgres)
	}
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if driver == DriverPostgres && databaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required when DB_DRIVER=%s", DriverPostgres)
	}

	maxOpenConns, err := intFromEnv("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := intFromEnv("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := durationFromEnv("DB_CONN_MAX_LIFETIME", 0)
	if err != nil {
		return Config{}, err
	}
	logSQL, err := boolFromEnv("DB_LOG_SQL", false)
	if err != nil {
		return Config{}, err
	}

	mqttEnabled, err := boolFromEnv("MQTT_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	mqttPort, err := intFromEnv("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}
	if mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %d (must be 1-65535)", mqttPort)
	}

	hubBufferSize, err := intFromEnv("HUB_BUFFER_SIZE", 100)
	if err != nil {
		return Config{}, err
	}
	if hubBufferSize <= 0 {
		return Config{}, fmt.Errorf("invalid HUB_BUFFER_SIZE %d (must be > 0)", hubBufferSize)
	}
	heartbeat, err := durationFromEnv("SSE_HEARTBEAT_INTERVAL", 25*time.Second)
	if err != nil {
		return Config{}, err
	}
	if heartbeat <= 0 {
		return Config{}, fmt.Errorf("invalid SSE_HEARTBEAT_INTERVAL %s (must be > 0)", heartbeat)
	}

	return Config{
		AppEnv:               appEnv,
		LogLevel:             level,
		LogFile:              strings.TrimSpace(os.Getenv("LOG_FILE")),
		HTTPAddr:             envOrDefault("HTTP_ADDR", ":8080"),
		APIKey:               apiKey,
		CORSAllowOrigins:     splitList(envOrDefault("CORS_ALLOW_ORIGINS", "*")),
		DBDriver:             driver,
		SQLiteDSN:            strings.TrimSpace(os.Getenv("DB_DSN")),
		SQLitePath:           envOrDefault("SQLITE_PATH", "../dev/sqlite/reptile.db"),
		DatabaseURL:          databaseURL,
		DBMaxOpenConns:       maxOpenConns,
		DBMaxIdleConns:       maxIdleConns,
		DBConnMaxLifetime:    connMaxLifetime,
		DBLogSQL:             logSQL,
		MQTTEnabled:          mqttEnabled,
		MQTTBroker:           envOrDefault("MQTT_BROKER", "localhost"),
		MQTTPort:             mqttPort,
		MQTTClientID:         envOrDefault("MQTT_CLIENT_ID", "terrarium-server"),
		MQTTTopic:            envOrDefault("MQTT_TOPIC", "terrarium/+/readings"),
		HubBufferSize:        hubBufferSize,
		SSEHeartbeatInterval: heartbeat,
	}, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
