// Package database provides catalog and SQLite connection management for geomatch.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"github.com/dbsmedya/geomatch/internal/config"
)

// Manager handles the catalog database connection.
type Manager struct {
	Catalog *sql.DB
	config  *config.Config
}

// NewManager creates a new database manager from configuration.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// Driver returns the configured catalog driver name.
func (m *Manager) Driver() string {
	return m.config.Catalog.Driver
}

// Connect establishes the catalog connection.
func (m *Manager) Connect(ctx context.Context) error {
	var err error

	m.Catalog, err = m.connectWithRetry(ctx, "catalog", &m.config.Catalog)
	if err != nil {
		return fmt.Errorf("failed to connect to catalog database: %w", err)
	}

	return nil
}

// connectWithRetry attempts to connect with exponential backoff.
func (m *Manager) connectWithRetry(ctx context.Context, name string, cfg *config.DatabaseConfig) (*sql.DB, error) {
	var db *sql.DB
	var err error

	maxRetries := 3
	backoff := time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = connect(cfg)
		if err == nil {
			// Verify connection
			if pingErr := db.PingContext(ctx); pingErr == nil {
				return db, nil
			} else {
				db.Close()
				err = pingErr
			}
		}

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}
	}

	return nil, fmt.Errorf("%s: failed after %d retries: %w", name, maxRetries, err)
}

// connect creates a database connection.
func connect(cfg *config.DatabaseConfig) (*sql.DB, error) {
	driver, dsn := DriverName(cfg.Driver), BuildDSN(cfg)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if cfg.Driver == "sqlite" {
		// A single writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
		return db, nil
	}

	// Configure connection pool
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// DriverName maps a configured driver to its database/sql driver name.
func DriverName(driver string) string {
	switch driver {
	case "sqlite":
		return "sqlite3"
	case "postgres":
		return "postgres"
	default:
		return "mysql"
	}
}

// BuildDSN constructs a DSN for the configured driver.
func BuildDSN(cfg *config.DatabaseConfig) string {
	switch cfg.Driver {
	case "sqlite":
		return SQLiteDSN(cfg.Database, false)
	case "postgres":
		return buildPostgresDSN(cfg)
	default:
		return buildMySQLDSN(cfg)
	}
}

func buildMySQLDSN(cfg *config.DatabaseConfig) string {
	// Format: user:password@tcp(host:port)/database?params
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
	)

	if cfg.Database != "" {
		dsn += cfg.Database
	}

	// Add TLS configuration
	params := "?parseTime=true&multiStatements=true"
	switch cfg.TLS {
	case "disable":
		params += "&tls=false"
	case "required":
		params += "&tls=true"
	case "preferred", "":
		params += "&tls=preferred"
	}

	return dsn + params
}

func buildPostgresDSN(cfg *config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}

	q := url.Values{}
	switch cfg.TLS {
	case "disable":
		q.Set("sslmode", "disable")
	case "required":
		q.Set("sslmode", "require")
	case "preferred", "":
		q.Set("sslmode", "prefer")
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// SQLiteDSN builds a go-sqlite3 DSN for a file path. Read-only handles
// never create the file.
func SQLiteDSN(path string, readOnly bool) string {
	params := []string{"_busy_timeout=5000", "_foreign_keys=off"}
	if readOnly {
		params = append(params, "mode=ro")
	} else {
		params = append(params, "_journal_mode=WAL")
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// OpenSQLite opens a SQLite file and verifies it is reachable.
func OpenSQLite(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", SQLiteDSN(path, readOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return db, nil
}

// Close closes the catalog connection gracefully.
func (m *Manager) Close() error {
	if m.Catalog != nil {
		if err := m.Catalog.Close(); err != nil {
			return fmt.Errorf("catalog close: %w", err)
		}
	}
	return nil
}

// Ping verifies the connection is alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.Catalog != nil {
		if err := m.Catalog.PingContext(ctx); err != nil {
			return fmt.Errorf("catalog ping failed: %w", err)
		}
	}
	return nil
}
