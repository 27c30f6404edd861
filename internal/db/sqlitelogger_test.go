package db

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"terrarium-server/internal/config"
)

// captureHandler records log records for assertion in tests.
type captureHandler struct {
	mu    sync.Mutex
	attrs []map[string]slog.Value
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := make(map[string]slog.Value)
	m["msg"] = slog.StringValue(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value
		return true
	})
	h.attrs = append(h.attrs, m)
	return nil
}

func (h *captureHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(_ string) slog.Handler { return h }

func (h *captureHandler) last(t *testing.T, msg string) map[string]slog.Value {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.attrs) - 1; i >= 0; i-- {
		if h.attrs[i]["msg"].String() == msg {
			return h.attrs[i]
		}
	}
	t.Fatalf("no %q log record", msg)
	return nil
}

func (h *captureHandler) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attrs = nil
}

func openLogged(t *testing.T, handler *captureHandler) *sql.DB {
	t.Helper()
	connector, err := NewLoggingConnector(":memory:", slog.New(handler))
	if err != nil {
		t.Fatalf("NewLoggingConnector: %v", err)
	}
	db := sql.OpenDB(connector)
	// One connection so the in-memory database is shared across statements.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewLoggingConnector(t *testing.T) {
	t.Run("nil logger uses default", func(t *testing.T) {
		conn, err := NewLoggingConnector(":memory:", nil)
		if err != nil {
			t.Fatalf("NewLoggingConnector: %v", err)
		}
		if conn.(*loggingConnector).logger == nil {
			t.Fatal("logger is nil")
		}
	})

	t.Run("empty dsn rejected", func(t *testing.T) {
		if _, err := NewLoggingConnector("", nil); err == nil {
			t.Fatal("NewLoggingConnector(\"\") = nil error; want error")
		}
	})

	t.Run("driver cannot open directly", func(t *testing.T) {
		conn, _ := NewLoggingConnector(":memory:", nil)
		if _, err := conn.Driver().Open(":memory:"); err == nil {
			t.Fatal("Driver().Open() = nil error; want error")
		}
	})
}

func TestLoggingConnector_ExecAndQueryLogged(t *testing.T) {
	handler := &captureHandler{}
	db := openLogged(t, handler)

	if _, err := db.Exec(`CREATE TABLE readings (id INTEGER PRIMARY KEY, value REAL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	got := handler.last(t, "sql")
	if got["op"].String() != "exec" {
		t.Errorf("op: got %q, want exec", got["op"].String())
	}
	if got["sql"].String() != `CREATE TABLE readings (id INTEGER PRIMARY KEY, value REAL)` {
		t.Errorf("sql: got %q", got["sql"].String())
	}
	if _, ok := got["duration_ms"]; !ok {
		t.Error("expected duration_ms attribute")
	}

	handler.reset()
	var one int
	if err := db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
		t.Fatalf("query row: %v", err)
	}
	got = handler.last(t, "sql")
	if got["op"].String() != "query" {
		t.Errorf("op: got %q, want query", got["op"].String())
	}
}

func TestLoggingConnector_ArgsFormatted(t *testing.T) {
	handler := &captureHandler{}
	db := openLogged(t, handler)

	if _, err := db.Exec(`CREATE TABLE readings (id INTEGER, unit TEXT, value REAL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	handler.reset()

	if _, err := db.Exec(`INSERT INTO readings (id, unit, value) VALUES (?, ?, ?)`, 1, "C", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got := handler.last(t, "sql")
	args, ok := got["args"].Any().([]string)
	if !ok {
		t.Fatalf("args type = %T; want []string", got["args"].Any())
	}
	want := []string{"1", "C", "NULL"}
	if len(args) != len(want) {
		t.Fatalf("args = %v; want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q; want %q", i, args[i], want[i])
		}
	}
}

func TestLoggingConnector_ErrorLogged(t *testing.T) {
	handler := &captureHandler{}
	db := openLogged(t, handler)

	if _, err := db.Exec(`CREATE TABLE sites (slug TEXT UNIQUE)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO sites (slug) VALUES (?)`, "leo"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	handler.reset()

	if _, err := db.Exec(`INSERT INTO sites (slug) VALUES (?)`, "leo"); err == nil {
		t.Fatal("duplicate insert succeeded; want constraint error")
	}
	got := handler.last(t, "sql")
	if _, ok := got["error"]; !ok {
		t.Error("expected error attribute on failed exec")
	}
}

func TestLoggingConnector_PingSucceeds(t *testing.T) {
	db := openLogged(t, &captureHandler{})
	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpen_withSQLLogging(t *testing.T) {
	cfg := config.Config{
		SQLitePath:     filepath.Join(t.TempDir(), "nested", "reptile.db"),
		DBMaxOpenConns: 1,
		DBMaxIdleConns: 1,
		DBLogSQL:       true,
	}
	conn, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = Close(conn) }()

	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q; want wal", mode)
	}
}
