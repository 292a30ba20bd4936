// Package bigquery reads candidates from an OSM extract held in BigQuery
// GIS. The client is safe for concurrent use, so a single Conn is shared by
// all fetchers through pool.SharedPool.
//
// Distances are geodesic metres on GEOGRAPHY values, not EPSG:3857 units as
// in the PostGIS backend; thresholds should be configured accordingly.
package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/store"
)

// Config locates the candidate view.
type Config struct {
	ProjectID       string `yaml:"project_id"`
	DatasetID       string `yaml:"dataset_id"`
	Location        string `yaml:"location"`
	CredentialsFile string `yaml:"credentials_file"`
}

var projectRe = regexp.MustCompile(`^[a-z][a-z0-9.:-]*[a-z0-9]$`)
var datasetRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Validate checks the parts of the table path.
func (c Config) Validate() error {
	if !projectRe.MatchString(c.ProjectID) {
		return fmt.Errorf("bigquery store: invalid project_id %q", c.ProjectID)
	}
	if !datasetRe.MatchString(c.DatasetID) {
		return fmt.Errorf("bigquery store: invalid dataset_id %q", c.DatasetID)
	}
	return nil
}

// candidateRow is the projection shared by both lookups.
type candidateRow struct {
	StoreID    int64               `bigquery:"store_id"`
	Score      float64             `bigquery:"score"`
	Attributes string              `bigquery:"attributes"`
	KnownID    bigquery.NullString `bigquery:"known_id"`
}

// Conn is a store.Conn backed by a shared BigQuery client.
type Conn struct {
	client   *bigquery.Client
	location string
	pointSQL string
	nameSQL  string
}

// Open creates the shared client. Failure to create it is reported as
// store.ErrStoreUnavailable.
func Open(ctx context.Context, cfg Config, layout store.Layout, opts ...option.ClientOption) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bigquery.Open: %w", err)
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("bigquery.Open: %w", err)
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, store.Unavailable(fmt.Errorf("bigquery.Open: creating client: %w", err))
	}
	return &Conn{
		client:   client,
		location: cfg.Location,
		pointSQL: pointQuery(cfg, layout),
		nameSQL:  nameQuery(cfg, layout),
	}, nil
}

func tablePath(cfg Config, l store.Layout) string {
	return fmt.Sprintf("`%s.%s.%s`", cfg.ProjectID, cfg.DatasetID, l.View)
}

func pointQuery(cfg Config, l store.Layout) string {
	return fmt.Sprintf(`
		SELECT
			t.%[2]s AS store_id,
			ST_DISTANCE(t.%[3]s, ST_GEOGPOINT(@lon, @lat)) AS score,
			TO_JSON_STRING(t) AS attributes,
			CAST(t.%[4]s AS STRING) AS known_id
		FROM %[1]s AS t
		WHERE ST_DWITHIN(t.%[3]s, ST_GEOGPOINT(@lon, @lat), @threshold)
		ORDER BY score ASC, store_id ASC
		LIMIT @limit
	`, tablePath(cfg, l), l.IDColumn, l.GeometryColumn, l.KnownIDColumn)
}

// nameQuery approximates trigram similarity with a normalised edit
// distance, which BigQuery provides natively. Lengths are taken after
// LOWER, which can change them, so the score stays in [0, 1].
func nameQuery(cfg Config, l store.Layout) string {
	return fmt.Sprintf(`
		SELECT
			t.%[2]s AS store_id,
			1 - EDIT_DISTANCE(LOWER(t.%[3]s), LOWER(@name))
				/ GREATEST(LENGTH(LOWER(t.%[3]s)), LENGTH(LOWER(@name)), 1) AS score,
			TO_JSON_STRING(t) AS attributes,
			CAST(t.%[4]s AS STRING) AS known_id
		FROM %[1]s AS t
		WHERE t.%[3]s IS NOT NULL
		ORDER BY score DESC, store_id ASC
		LIMIT @limit
	`, tablePath(cfg, l), l.IDColumn, l.NameColumn, l.KnownIDColumn)
}

// LookupByPoint implements store.Conn.
func (c *Conn) LookupByPoint(ctx context.Context, pt domain.Point, threshold float64, limit int) ([]store.Candidate, error) {
	q := c.client.Query(c.pointSQL)
	q.Location = c.location
	q.Parameters = []bigquery.QueryParameter{
		{Name: "lon", Value: pt.Lon},
		{Name: "lat", Value: pt.Lat},
		{Name: "threshold", Value: threshold},
		{Name: "limit", Value: int64(limit)},
	}
	return read(ctx, q, "LookupByPoint")
}

// LookupByName implements store.Conn.
func (c *Conn) LookupByName(ctx context.Context, name string, limit int) ([]store.Candidate, error) {
	q := c.client.Query(c.nameSQL)
	q.Location = c.location
	q.Parameters = []bigquery.QueryParameter{
		{Name: "name", Value: name},
		{Name: "limit", Value: int64(limit)},
	}
	return read(ctx, q, "LookupByName")
}

// Close closes the client.
func (c *Conn) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func read(ctx context.Context, q *bigquery.Query, op string) ([]store.Candidate, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: reading query: %w", op, err)
	}

	var out []store.Candidate
	for {
		var row candidateRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: iterating: %w", op, err)
		}
		cand, err := row.candidate()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, cand)
	}
	return out, nil
}

func (r candidateRow) candidate() (store.Candidate, error) {
	cand := store.Candidate{StoreID: r.StoreID, Score: r.Score}
	if r.KnownID.Valid {
		cand.KnownID = r.KnownID.StringVal
	}
	if r.Attributes != "" {
		var attrs map[string]any
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return store.Candidate{}, fmt.Errorf("decoding attributes of %d: %w", r.StoreID, err)
		}
		cand.Attributes = stripNulls(attrs)
	}
	return cand, nil
}

// stripNulls drops null members recursively, matching jsonb_strip_nulls.
func stripNulls(m map[string]any) map[string]any {
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			delete(m, k)
		case map[string]any:
			m[k] = stripNulls(val)
		}
	}
	return m
}

var _ store.Conn = (*Conn)(nil)
