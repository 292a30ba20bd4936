// Package postgis reads candidates from an osm2pgsql database through
// database/sql and lib/pq.
package postgis

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/store"
)

// Config holds the connection parameters of the candidate database.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"-"`
	Database       string        `yaml:"database"`
	SSLMode        string        `yaml:"sslmode"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DSN renders the lib/pq keyword/value connection string.
func (c Config) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	parts := []string{
		"host=" + quote(c.Host),
		fmt.Sprintf("port=%d", port),
		"user=" + quote(c.User),
		"dbname=" + quote(c.Database),
		"sslmode=" + quote(sslmode),
	}
	if c.Password != "" {
		parts = append(parts, "password="+quote(c.Password))
	}
	if c.ConnectTimeout > 0 {
		secs := int(c.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	}
	return strings.Join(parts, " ")
}

// quote escapes a keyword/value parameter per libpq rules.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// DB is an open handle on the candidate database.
type DB struct {
	db       *sql.DB
	pointSQL string
	nameSQL  string
}

// Open prepares a handle. No connection is made until the first dial.
func Open(cfg Config, layout store.Layout) (*DB, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("postgis.Open: %w", err)
	}
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgis.Open: opening database: %w", err)
	}
	// Pooling is done by pool.ConnPool on dedicated *sql.Conn values.
	db.SetMaxIdleConns(0)

	return &DB{
		db:       db,
		pointSQL: pointQuery(layout),
		nameSQL:  nameQuery(layout),
	}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Dialer returns a store.Dialer producing dedicated connections.
func (d *DB) Dialer() store.Dialer {
	return func(ctx context.Context) (store.Conn, error) {
		c, err := d.db.Conn(ctx)
		if err != nil {
			return nil, store.Unavailable(fmt.Errorf("postgis: opening connection: %w", err))
		}
		if err := c.PingContext(ctx); err != nil {
			_ = c.Close()
			return nil, store.Unavailable(fmt.Errorf("postgis: ping: %w", err))
		}
		return &conn{c: c, db: d}, nil
	}
}

// pointQuery ranks by EPSG:3857 distance between the stored geometry and
// the query point, given in WGS84.
func pointQuery(l store.Layout) string {
	return fmt.Sprintf(`
		SELECT
			g.%[2]s,
			ST_Distance(g.%[3]s, ST_Transform(ST_GeomFromEWKT($1), 3857)) AS dist,
			jsonb_strip_nulls(to_jsonb(g)),
			g.%[4]s
		FROM %[1]s g
		WHERE ST_DWithin(g.%[3]s, ST_Transform(ST_GeomFromEWKT($1), 3857), $2)
		ORDER BY dist ASC, g.%[2]s ASC
		LIMIT $3
	`, l.View, l.IDColumn, l.GeometryColumn, l.KnownIDColumn)
}

func nameQuery(l store.Layout) string {
	return fmt.Sprintf(`
		SELECT
			g.%[2]s,
			similarity(lower(g.%[3]s), lower($1)) AS sim,
			jsonb_strip_nulls(to_jsonb(g)),
			g.%[4]s
		FROM %[1]s g
		WHERE g.%[3]s IS NOT NULL
		ORDER BY sim DESC, g.%[2]s ASC
		LIMIT $2
	`, l.View, l.IDColumn, l.NameColumn, l.KnownIDColumn)
}

type conn struct {
	c  *sql.Conn
	db *DB
}

func (c *conn) LookupByPoint(ctx context.Context, pt domain.Point, threshold float64, limit int) ([]store.Candidate, error) {
	rows, err := c.c.QueryContext(ctx, c.db.pointSQL, pt.EWKT(), threshold, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("LookupByPoint: querying: %w", err))
	}
	return scan(rows, "LookupByPoint")
}

func (c *conn) LookupByName(ctx context.Context, name string, limit int) ([]store.Candidate, error) {
	rows, err := c.c.QueryContext(ctx, c.db.nameSQL, name, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("LookupByName: querying: %w", err))
	}
	return scan(rows, "LookupByName")
}

func (c *conn) Close() error {
	return c.c.Close()
}

func scan(rows *sql.Rows, op string) ([]store.Candidate, error) {
	defer rows.Close()

	var out []store.Candidate
	for rows.Next() {
		var (
			cand    store.Candidate
			attrs   []byte
			knownID sql.NullString
		)
		if err := rows.Scan(&cand.StoreID, &cand.Score, &attrs, &knownID); err != nil {
			return nil, classify(fmt.Errorf("%s: scanning row: %w", op, err))
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &cand.Attributes); err != nil {
				return nil, fmt.Errorf("%s: decoding attributes of %d: %w", op, cand.StoreID, err)
			}
		}
		cand.KnownID = knownID.String
		out = append(out, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("%s: iterating: %w", op, err))
	}
	return out, nil
}

// classify marks errors after which the session cannot be trusted.
func classify(err error) error {
	if isBroken(err) {
		return store.Broken(err)
	}
	return err
}

func isBroken(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception. Class 57: operator intervention.
		switch pqErr.Code.Class() {
		case "08", "57":
			return true
		}
	}
	return false
}
