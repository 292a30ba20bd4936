package postgis

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alishiba14/IGEA/internal/store"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults",
			cfg:  Config{Host: "localhost", User: "postgres", Database: "osm"},
			want: "host=localhost port=5432 user=postgres dbname=osm sslmode=disable",
		},
		{
			name: "password with quote and timeout",
			cfg: Config{
				Host: "db", Port: 6543, User: "u", Database: "gis", SSLMode: "require",
				Password: `it's secret`, ConnectTimeout: 1500 * time.Millisecond,
			},
			want: `host=db port=6543 user=u dbname=gis sslmode=require password='it\'s secret' connect_timeout=1`,
		},
		{
			name: "empty host is quoted",
			cfg:  Config{User: "u", Database: "d"},
			want: "host='' port=5432 user=u dbname=d sslmode=disable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestQueriesUseLayout(t *testing.T) {
	l := store.Layout{
		View: "public.planet_candidates", IDColumn: "id", GeometryColumn: "geom",
		NameColumn: "label", TagsColumn: "attrs", KnownIDColumn: "qid",
	}

	point := pointQuery(l)
	assert.Contains(t, point, "FROM public.planet_candidates g")
	assert.Contains(t, point, "ST_DWithin(g.geom, ST_Transform(ST_GeomFromEWKT($1), 3857), $2)")
	assert.Contains(t, point, "ORDER BY dist ASC, g.id ASC")
	assert.Contains(t, point, "LIMIT $3")

	nq := nameQuery(l)
	assert.Contains(t, nq, "similarity(lower(g.label), lower($1)) AS sim")
	assert.Contains(t, nq, "WHERE g.label IS NOT NULL")
	assert.Contains(t, nq, "ORDER BY sim DESC, g.id ASC")
	assert.True(t, strings.Contains(nq, "g.qid"))
}

func TestOpenRejectsUnsafeLayout(t *testing.T) {
	l := store.DefaultLayout()
	l.View = "osm; DROP TABLE x"
	_, err := Open(Config{Host: "localhost"}, l)
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		broken bool
	}{
		{"bad conn", fmt.Errorf("q: %w", driver.ErrBadConn), true},
		{"conn done", sql.ErrConnDone, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"syntax error", &pq.Error{Code: "42601"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.broken, errors.Is(got, store.ErrConnBroken))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}
