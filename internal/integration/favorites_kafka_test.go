//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/riverflows/internal/adapter/ahps"
	"github.com/couchcryptid/riverflows/internal/adapter/httpcache"
	"github.com/couchcryptid/riverflows/internal/adapter/kafka"
	"github.com/couchcryptid/riverflows/internal/adapter/sqlite"
	"github.com/couchcryptid/riverflows/internal/adapter/usgs"
	"github.com/couchcryptid/riverflows/internal/config"
	"github.com/couchcryptid/riverflows/internal/datasource"
	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/favorites"
	"github.com/couchcryptid/riverflows/internal/observability"
	"github.com/couchcryptid/riverflows/internal/pipeline"
)

const testTopic = "test-favorite-readings"

// agencyServer serves the adapter fixtures the way the agencies do.
func agencyServer(t *testing.T) *httptest.Server {
	t.Helper()
	read := func(path string) []byte {
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		return b
	}
	blkc2 := read("../adapter/ahps/testdata/BLKC2.xml")
	lees := read("../adapter/usgs/testdata/iv_09380000.rdb")
	listing := read("../adapter/usgs/testdata/site_co.rdb")

	mux := http.NewServeMux()
	mux.HandleFunc("/ahps", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("gage") != "BLKC2" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(blkc2)
	})
	mux.HandleFunc("/nwis/iv/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sites") != "09380000" {
			http.Error(w, "no such site", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(lees)
	})
	mux.HandleFunc("/nwis/site/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(listing)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestFavoritesPublishedToKafka loads favorites from SQLite, migrates a
// legacy favorite, fetches every site through the cache and publishes one
// message per favorite to a real broker.
func TestFavoritesPublishedToKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testTopic)

	logger := discardLogger()
	metrics := observability.NewMetricsForTesting()
	clock := clockwork.NewRealClock()
	srv := agencyServer(t)

	client := httpcache.NewClient(10*time.Second, logger)
	cache, err := httpcache.NewCache(client, t.TempDir(), time.Minute, 50, clock, logger, metrics)
	require.NoError(t, err)

	registry := datasource.NewRegistry(logger, metrics,
		ahps.New(srv.URL+"/ahps", cache, logger, metrics),
		usgs.New(srv.URL+"/nwis", cache, logger, metrics),
	)
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "riverflows.db"), registry, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, fav := range []domain.Favorite{
		{Site: domain.Site{ID: domain.SiteID{Agency: ahps.Agency, ID: "BLKC2"}, Name: "Black Creek"}, VariableID: ahps.Flow.ID},
		{Site: domain.Site{ID: domain.SiteID{Agency: usgs.Agency, ID: "09380000"}, Name: "Lees Ferry"}, VariableID: usgs.GaugeHeight.ID, Name: "Lees stage"},
		{Site: domain.Site{ID: domain.SiteID{Agency: usgs.Agency, ID: "09058000"}, State: "CO"}},
		{Site: domain.Site{ID: domain.SiteID{Agency: ahps.Agency, ID: "DOWN1"}, Name: "Unknown gauge"}, VariableID: ahps.Stage.ID},
	} {
		_, err := store.CreateFavorite(ctx, fav)
		require.NoError(t, err)
	}

	service := favorites.NewService(store, favorites.NewMigrator(store, registry, logger, metrics), registry, logger)
	writer := kafka.NewWriter(&config.Config{KafkaBrokers: []string{broker}, KafkaTopic: testTopic}, logger)
	t.Cleanup(func() { _ = writer.Close() })

	var events []favorites.MigrationEvent
	loader := pipeline.LoaderFunc(func(ctx context.Context, hard bool) ([]domain.FavoriteData, error) {
		return service.Load(ctx, hard, func(e favorites.MigrationEvent) { events = append(events, e) })
	})
	poller := pipeline.NewPoller(loader, store, writer, clock, logger, metrics, time.Hour, 0)

	require.True(t, poller.Poll(ctx), "poll succeeds")
	require.NoError(t, poller.CheckReadiness(ctx))
	assert.Equal(t, []favorites.MigrationEvent{favorites.MigrationStarted, favorites.MigrationComplete}, events)

	stored, err := store.Favorites(ctx, domain.FavoriteFilter{SiteID: &domain.SiteID{Agency: usgs.Agency, ID: "09058000"}})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, usgs.Discharge.ID, stored[0].VariableID, "legacy favorite migrated to streamflow")

	msgs := readAll(ctx, t, broker, testTopic, 4)
	byKey := make(map[string]kafka.Reading, len(msgs))
	batches := make(map[string]bool)
	for _, msg := range msgs {
		h := headers(msg)
		_, err := uuid.Parse(h["batch_id"])
		assert.NoError(t, err, "batch_id is a uuid")
		batches[h["batch_id"]] = true
		_, err = time.Parse(time.RFC3339, h["published_at"])
		assert.NoError(t, err, "published_at is RFC3339")

		var r kafka.Reading
		require.NoError(t, json.Unmarshal(msg.Value, &r))
		byKey[string(msg.Key)] = r
	}
	assert.Len(t, batches, 1, "one batch per poll")

	blkc2 := byKey["AHPS/BLKC2/"+ahps.Flow.ID]
	assert.Equal(t, "cfs", blkc2.Unit)
	assert.False(t, blkc2.Placeholder)
	require.NotNil(t, blkc2.ObservedAt)

	lees := byKey["USGS/09380000/"+usgs.GaugeHeight.ID]
	assert.Equal(t, "Lees stage", lees.SiteName)
	assert.Equal(t, domain.GaugeHeightFT, lees.CommonVariable)

	kremmling := byKey["USGS/09058000/"+usgs.Discharge.ID]
	assert.Equal(t, "COLORADO RIVER NEAR KREMMLING, CO", kremmling.SiteName)
	assert.True(t, kremmling.Placeholder, "fixture server has no data for the migrated site")

	down := byKey["AHPS/DOWN1/"+ahps.Stage.ID]
	assert.True(t, down.Placeholder)
	assert.Nil(t, down.Value)
	assert.Equal(t, domain.DatasourceDownQualifier, down.Qualifiers)
}

// TestWriterPublishEmptyBatch verifies an empty snapshot produces no messages
// and no error.
func TestWriterPublishEmptyBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testTopic)

	writer := kafka.NewWriter(&config.Config{KafkaBrokers: []string{broker}, KafkaTopic: testTopic}, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	require.NoError(t, writer.Publish(ctx, nil))
}
