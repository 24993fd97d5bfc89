package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dbsmedya/geomatch/internal/config"
)

func TestBuildDSN_MySQL(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.DatabaseConfig
		expected string
	}{
		{
			name: "basic DSN",
			cfg: &config.DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Password: "secret",
				Database: "geomatch",
				TLS:      "preferred",
			},
			expected: "root:secret@tcp(localhost:3306)/geomatch?parseTime=true&multiStatements=true&tls=preferred",
		},
		{
			name: "DSN without database",
			cfg: &config.DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Password: "secret",
				TLS:      "preferred",
			},
			expected: "root:secret@tcp(localhost:3306)/?parseTime=true&multiStatements=true&tls=preferred",
		},
		{
			name: "DSN with TLS disabled",
			cfg: &config.DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Password: "secret",
				Database: "geomatch",
				TLS:      "disable",
			},
			expected: "root:secret@tcp(localhost:3306)/geomatch?parseTime=true&multiStatements=true&tls=false",
		},
		{
			name: "DSN with TLS required",
			cfg: &config.DatabaseConfig{
				Driver:   "mysql",
				Host:     "catalog-host",
				Port:     3307,
				User:     "admin",
				Password: "p@ssw0rd!",
				Database: "geomatch",
				TLS:      "required",
			},
			expected: "admin:p@ssw0rd!@tcp(catalog-host:3307)/geomatch?parseTime=true&multiStatements=true&tls=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := BuildDSN(tt.cfg)
			if result != tt.expected {
				t.Errorf("BuildDSN() = %q, expected %q", result, tt.expected)
			}
		})
	}
}

func TestBuildDSN_Postgres(t *testing.T) {
	tests := []struct {
		name     string
		tls      string
		expected string
	}{
		{name: "preferred", tls: "preferred", expected: "postgres://geo:secret@db:5432/geomatch?sslmode=prefer"},
		{name: "disable", tls: "disable", expected: "postgres://geo:secret@db:5432/geomatch?sslmode=disable"},
		{name: "required", tls: "required", expected: "postgres://geo:secret@db:5432/geomatch?sslmode=require"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.DatabaseConfig{
				Driver:   "postgres",
				Host:     "db",
				Port:     5432,
				User:     "geo",
				Password: "secret",
				Database: "geomatch",
				TLS:      tt.tls,
			}
			if got := BuildDSN(cfg); got != tt.expected {
				t.Errorf("BuildDSN() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestBuildDSN_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: "/tmp/geomatch.db"}
	dsn := BuildDSN(cfg)

	if !strings.HasPrefix(dsn, "file:/tmp/geomatch.db?") {
		t.Errorf("BuildDSN() = %q, expected file: prefix", dsn)
	}
	if !strings.Contains(dsn, "_journal_mode=WAL") {
		t.Errorf("BuildDSN() = %q, expected WAL journal", dsn)
	}
	if strings.Contains(dsn, "mode=ro") {
		t.Errorf("BuildDSN() = %q, catalog must be writable", dsn)
	}
}

func TestSQLiteDSN_ReadOnly(t *testing.T) {
	dsn := SQLiteDSN("colmap.db", true)
	if !strings.Contains(dsn, "mode=ro") {
		t.Errorf("SQLiteDSN() = %q, expected mode=ro", dsn)
	}
	if strings.Contains(dsn, "_journal_mode") {
		t.Errorf("SQLiteDSN() = %q, read-only handles must not change the journal", dsn)
	}
}

func TestDriverName(t *testing.T) {
	tests := map[string]string{
		"sqlite":   "sqlite3",
		"postgres": "postgres",
		"mysql":    "mysql",
		"":         "mysql",
	}
	for in, want := range tests {
		if got := DriverName(in); got != want {
			t.Errorf("DriverName(%q) = %q, expected %q", in, got, want)
		}
	}
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	db, err := OpenSQLite(ctx, path, false)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE t (x INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	ro, err := OpenSQLite(ctx, path, true)
	if err != nil {
		t.Fatalf("OpenSQLite(readOnly) error = %v", err)
	}
	defer ro.Close()
	if _, err := ro.ExecContext(ctx, "INSERT INTO t VALUES (1)"); err == nil {
		t.Error("write through a read-only handle should fail")
	}
}

func TestNewManager(t *testing.T) {
	cfg := config.DefaultConfig()

	manager := NewManager(cfg)
	if manager == nil {
		t.Fatal("NewManager() returned nil")
	}
	if manager.config != cfg {
		t.Error("manager.config should point to provided config")
	}
	if manager.Catalog != nil {
		t.Error("Catalog should be nil before Connect()")
	}
	if manager.Driver() != "sqlite" {
		t.Errorf("Driver() = %q, expected sqlite", manager.Driver())
	}
}

func TestManagerCloseWithoutConnect(t *testing.T) {
	manager := NewManager(config.DefaultConfig())

	// Should not panic when closing unconnected manager
	if err := manager.Close(); err != nil {
		t.Errorf("Close() returned error for unconnected manager: %v", err)
	}
}

func TestManager_ConnectSQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Catalog.Database = filepath.Join(t.TempDir(), "catalog.db")

	manager := NewManager(cfg)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer manager.Close()

	if err := manager.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
