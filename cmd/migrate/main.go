package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"terrarium-server/internal/config"
	"terrarium-server/internal/db"
	"terrarium-server/internal/migrate"
	"terrarium-server/internal/modules/terrarium/repository"
)

const usage = `usage: migrate [flags] <command>
  up      apply pending schema migrations
  status  list pending migrations (sqlite only)

flags:
`

func main() {
	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	sqlitePath := flags.String("sqlite-path", envOrDefault("SQLITE_PATH", "../dev/sqlite/reptile.db"), "SQLite database file")
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL URL; when set, migrates Postgres instead of SQLite")
	timeout := flags.Duration("timeout", 30*time.Second, "overall timeout")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if flags.NArg() < 1 {
		flags.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch cmd := flags.Arg(0); cmd {
	case "up":
		if *databaseURL != "" {
			err = migratePostgres(ctx, *databaseURL)
		} else {
			err = migrateSQLite(ctx, *sqlitePath)
		}
		if err == nil {
			fmt.Println("migrations applied")
		}
	case "status":
		if *databaseURL != "" {
			fmt.Fprintln(os.Stderr, "status is only available for sqlite")
			os.Exit(1)
		}
		err = status(ctx, *sqlitePath)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func openSQLite(path string) (*sql.DB, error) {
	return db.Open(config.Config{
		SQLitePath:     path,
		DBMaxOpenConns: 1,
		DBMaxIdleConns: 1,
	})
}

func migrateSQLite(ctx context.Context, path string) error {
	conn, err := openSQLite(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			slog.Error("db close", "err", closeErr)
		}
	}()
	return migrate.Run(ctx, conn, slog.Default())
}

func migratePostgres(ctx context.Context, url string) error {
	// NewPostgresRepository applies the schema on connect.
	repo, err := repository.NewPostgresRepository(ctx, url, 1)
	if err != nil {
		return err
	}
	repo.Close()
	return nil
}

func status(ctx context.Context, path string) error {
	conn, err := openSQLite(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			slog.Error("db close", "err", closeErr)
		}
	}()

	pending, err := migrate.Pending(ctx, conn)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no pending migrations")
		return nil
	}
	for _, name := range pending {
		fmt.Println("pending", name)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
