package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"terrarium-server/internal/broadcast"
	"terrarium-server/internal/config"
	db "terrarium-server/internal/db"
	httpapi "terrarium-server/internal/httpapi"
	"terrarium-server/internal/migrate"
	terrarium "terrarium-server/internal/modules/terrarium"
	"terrarium-server/internal/modules/terrarium/repository"
	"terrarium-server/internal/modules/terrarium/types"
	terrariumviews "terrarium-server/internal/modules/terrarium/views"
	"terrarium-server/internal/mqtt"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"dbDriver", cfg.DBDriver,
		"sqlitePath", cfg.SQLitePath,
		"dbMaxOpenConns", cfg.DBMaxOpenConns,
		"dbLogSQL", cfg.DBLogSQL,
		"mqttEnabled", cfg.MQTTEnabled,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopic", cfg.MQTTTopic,
		"hubBufferSize", cfg.HubBufferSize,
		"sseHeartbeat", cfg.SSEHeartbeatInterval,
	)

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()
	slog.Info("database connection successful", "driver", cfg.DBDriver)

	if err := terrariumviews.LoadTemplates(); err != nil {
		return err
	}

	hub := broadcast.NewHub[types.Event](cfg.HubBufferSize, slog.Default().With("component", "hub"))
	mux := httpapi.NewMux(repo, hub)

	// The handler is attached before Connect so messages the broker sends right
	// after CONNACK are not lost.
	var subscriber *mqtt.Subscriber
	deps := terrarium.Deps{
		Repository: repo,
		Hub:        hub,
		APIKey:     cfg.APIKey,
		Heartbeat:  cfg.SSEHeartbeatInterval,
		Logger:     slog.Default(),
	}
	if cfg.MQTTEnabled {
		subscriber = mqtt.NewSubscriber(mqtt.OptionsFromConfig(cfg), slog.Default().With("component", "mqtt"))
		deps.Subscriber = subscriber
	}
	terrarium.RegisterFeature(mux, deps)

	if subscriber != nil {
		// Short timeout so a missing broker does not block HTTP startup.
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = subscriber.Connect(connectCtx)
		connectCancel()
		if err != nil {
			slog.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		}
	}

	srv := httpapi.NewServer(cfg, mux, slog.Default())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		hub.Close()
		if subscriber != nil {
			subscriber.Disconnect()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Closing the hub first ends open SSE streams, otherwise Shutdown would
	// wait on them until the timeout.
	hub.Close()

	if subscriber != nil {
		slog.Info("mqtt disconnecting")
		subscriber.Disconnect()
	}

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

func openRepository(ctx context.Context, cfg config.Config) (repository.TerrariumRepository, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		maxConns := int32(cfg.DBMaxOpenConns)
		if maxConns < 4 {
			maxConns = 4
		}
		repo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURL, maxConns)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		dbConn, err := db.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if closeErr := db.Close(dbConn); closeErr != nil {
				slog.Error("db close", "error", closeErr)
			}
		}
		if err := migrate.Run(ctx, dbConn, slog.Default()); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return repository.NewRepository(dbConn), closeDB, nil
	}
}
