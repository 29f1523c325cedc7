package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// ConnConfig holds the libpq connection parameters.
type ConnConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the key/value connection string for lib/pq.
func (c ConnConfig) DSN() string {
	parts := []string{
		"host=" + quote(orDefault(c.Host, "127.0.0.1")),
		"port=" + quote(orDefault(c.Port, "5432")),
		"user=" + quote(orDefault(c.User, "sentientflow")),
	}
	if c.Password != "" {
		parts = append(parts, "password="+quote(c.Password))
	}
	parts = append(parts,
		"dbname="+quote(orDefault(c.Database, "sentientflow")),
		"sslmode="+quote(orDefault(c.SSLMode, "disable")),
	)
	return strings.Join(parts, " ")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// quote escapes a libpq parameter value when it needs quoting.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Client manages the Postgres connection shared by the flow store and the
// event log.
type Client struct {
	db       *sql.DB
	instance string
}

// Open connects and creates the schema.
// Returns an error if connection fails (caller should handle gracefully).
func Open(ctx context.Context, cfg ConnConfig, instance string) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	c := &Client{db: db, instance: instance}
	if err := c.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return c, nil
}

func (c *Client) createTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS flows (
			name           TEXT PRIMARY KEY,
			nodes          JSONB NOT NULL DEFAULT '[]',
			edges          JSONB NOT NULL DEFAULT '[]',
			configurations JSONB NOT NULL DEFAULT '[]',
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS events (
			event_id      BIGSERIAL PRIMARY KEY,
			ts            TIMESTAMPTZ NOT NULL,
			level         TEXT NOT NULL,
			event         TEXT NOT NULL,
			msg           TEXT,
			fields        JSONB,
			instance      TEXT NOT NULL,
			invocation_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_invocation ON events(invocation_id);
	`
	_, err := c.db.ExecContext(ctx, query)
	return err
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
