package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/store"
)

func berlinStore() *Store {
	return New(
		Record{StoreID: 1, Location: domain.Point{Lon: 13.3777, Lat: 52.5163}, Name: "Brandenburger Tor", KnownID: "Q82425",
			Tags: map[string]string{"tourism": "attraction", "wikidata": "Q82425"}},
		Record{StoreID: 2, Location: domain.Point{Lon: 13.3760, Lat: 52.5186}, Name: "Reichstag"},
		Record{StoreID: 3, Location: domain.Point{Lon: 13.3900, Lat: 52.5200}},
		Record{StoreID: 4, Location: domain.Point{Lon: 2.2945, Lat: 48.8584}, Name: "Tour Eiffel"},
	)
}

func TestLookupByPointOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	c, err := berlinStore().Dial(ctx)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.LookupByPoint(ctx, domain.Point{Lon: 13.3777, Lat: 52.5163}, 2500, 10)
	require.NoError(t, err)
	require.Len(t, got, 3, "Paris must be outside the threshold")

	assert.Equal(t, int64(1), got[0].StoreID)
	assert.InDelta(t, 0, got[0].Score, 1e-6)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Score, got[i].Score)
	}
	assert.Equal(t, "Q82425", got[0].KnownID)
	assert.Equal(t, "POINT(13.3777 52.5163)", got[0].Attributes["way"])
}

func TestLookupByPointLimit(t *testing.T) {
	ctx := context.Background()
	c, err := berlinStore().Dial(ctx)
	require.NoError(t, err)

	got, err := c.LookupByPoint(ctx, domain.Point{Lon: 13.3777, Lat: 52.5163}, 2500, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].StoreID)
}

func TestLookupByNameSkipsNullNames(t *testing.T) {
	ctx := context.Background()
	c, err := berlinStore().Dial(ctx)
	require.NoError(t, err)

	got, err := c.LookupByName(ctx, "BRANDENBURGER tor", 10)
	require.NoError(t, err)
	require.Len(t, got, 3, "record 3 has no name")

	assert.Equal(t, int64(1), got[0].StoreID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	for _, c := range got {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
	}
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, similarity(trigrams("cat"), trigrams("cat")), 1e-9)
	assert.InDelta(t, 0.0, similarity(trigrams("cat"), trigrams("dog")), 1e-9)
	assert.Equal(t, 0.0, similarity(trigrams(""), trigrams("")))

	// pg_trgm: similarity('word', 'two words') = 0.363636
	assert.InDelta(t, 0.363636, similarity(trigrams("word"), trigrams("two words")), 1e-5)
}

func TestShutdownMakesDialUnavailable(t *testing.T) {
	s := berlinStore()
	s.Shutdown()

	_, err := s.Dial(context.Background())
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestClosedConnIsBroken(t *testing.T) {
	ctx := context.Background()
	c, err := berlinStore().Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.LookupByName(ctx, "x", 1)
	assert.ErrorIs(t, err, store.ErrConnBroken)
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidates.jsonl")
	content := `{"osm_id": 10, "way": "Point(10 20)", "name": "Alpha", "tags": {"amenity": "cafe"}, "wkid": "Q1"}

{"osm_id": 11, "way": "SRID=4326;POINT(10.001 20)"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadFixture(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	bad := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte(`{"osm_id": 1, "way": "nowhere"}`), 0o644))
	_, err = LoadFixture(bad)
	assert.Error(t, err)
}
