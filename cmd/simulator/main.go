package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"terrarium-server/internal/config"
	"terrarium-server/internal/logging"
	"terrarium-server/internal/modules/terrarium/types"
	"terrarium-server/internal/mqtt"
)

var version = "dev"
var appName = "terrarium-simulator"

type simConfig struct {
	broker     string
	port       int
	clientID   string
	terrariums []string
	interval   time.Duration
	count      int
	logLevel   string
}

func main() {
	var sc simConfig
	flags := pflag.NewFlagSet(appName, pflag.ExitOnError)
	flags.StringVar(&sc.broker, "broker", "localhost", "MQTT broker host")
	flags.IntVar(&sc.port, "port", 1883, "MQTT broker port")
	flags.StringVar(&sc.clientID, "client-id", "terrarium-simulator", "MQTT client id")
	flags.StringSliceVar(&sc.terrariums, "terrarium", []string{"leo"}, "terrarium slug to simulate (repeatable)")
	flags.DurationVar(&sc.interval, "interval", 5*time.Second, "time between reading rounds")
	flags.IntVar(&sc.count, "count", 0, "number of rounds to publish (0 runs until interrupted)")
	flags.StringVar(&sc.logLevel, "log-level", "info", "debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(sc.logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q\n", sc.logLevel)
		os.Exit(1)
	}
	logger := logging.New(config.Config{AppEnv: "dev", LogLevel: level}, version, appName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, sc); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("simulator failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, sc simConfig) error {
	pub := mqtt.NewPublisher(mqtt.Options{Broker: sc.broker, Port: sc.port, ClientID: sc.clientID}, slog.Default())
	defer pub.Disconnect()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := pub.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	sims := make([]*terrariumSim, 0, len(sc.terrariums))
	for _, slug := range sc.terrariums {
		sims = append(sims, newTerrariumSim(slug))
	}

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		now := time.Now().UTC()
		for _, sim := range sims {
			for _, reading := range sim.step(now, round == 1) {
				if err := pub.PublishReading(reading); err != nil {
					slog.Warn("publish failed", "terrarium", sim.slug, "err", err)
				}
			}
		}
		slog.Info("published round", "round", round, "terrariums", len(sims))

		if sc.count > 0 && round >= sc.count {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// terrariumSim random-walks a basking spot, an ambient probe and a humidity
// probe around plausible setpoints.
type terrariumSim struct {
	slug     string
	basking  float64
	ambient  float64
	humidity float64
}

func newTerrariumSim(slug string) *terrariumSim {
	return &terrariumSim{slug: slug, basking: 34, ambient: 26, humidity: 50}
}

func walk(v, target, spread, lo, hi float64) float64 {
	v += (target-v)*0.1 + (rand.Float64()*2-1)*spread
	return min(max(v, lo), hi)
}

// step advances the walk and returns one reading per probe. On the first
// round each reading also carries its role so the server binds it.
func (s *terrariumSim) step(now time.Time, bindRoles bool) []types.IngestPayload {
	s.basking = walk(s.basking, 34, 0.6, 20, 45)
	s.ambient = walk(s.ambient, 26, 0.4, 15, 35)
	s.humidity = walk(s.humidity, 50, 1.5, 10, 95)

	probes := []struct {
		source string
		kind   types.SensorKind
		unit   string
		value  float64
		role   types.Role
	}{
		{"sensor." + s.slug + "_basking", types.KindTemperature, "°C", s.basking, types.RoleBaskingTemp},
		{"sensor." + s.slug + "_ambient", types.KindTemperature, "°C", s.ambient, types.RoleEnvTemp},
		{"sensor." + s.slug + "_humidity", types.KindHumidity, "%", s.humidity, types.RoleHumidity},
	}

	out := make([]types.IngestPayload, 0, len(probes))
	for _, p := range probes {
		reading := types.IngestPayload{
			SiteSlug: s.slug,
			Kind:     p.kind,
			Value:    ptr(roundTo(p.value, 1)),
			Unit:     p.unit,
			SourceID: ptr(p.source),
			Time:     now,
		}
		if bindRoles {
			reading.Role = ptr(p.role)
		}
		out = append(out, reading)
	}
	return out
}

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for range places {
		scale *= 10
	}
	return float64(int64(v*scale+0.5)) / scale
}

func ptr[T any](v T) *T { return &v }
