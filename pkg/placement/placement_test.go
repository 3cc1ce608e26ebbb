package placement_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkarpele/geocdn/pkg/cache"
	"github.com/dkarpele/geocdn/pkg/geo"
	"github.com/dkarpele/geocdn/pkg/multipart"
	"github.com/dkarpele/geocdn/pkg/placement"
	"github.com/dkarpele/geocdn/pkg/registry"
	"github.com/dkarpele/geocdn/pkg/s3client"
	"github.com/dkarpele/geocdn/pkg/s3client/s3test"
)

const testBucket = "films"

// stubLocator pins geolocation to fixed coordinates.
type stubLocator struct {
	lat, lon float64
	err      error
}

func (s *stubLocator) Locate(context.Context, string) (float64, float64, error) {
	return s.lat, s.lon, s.err
}

// recordingReplicator captures enqueued replication jobs.
type recordingReplicator struct {
	calls []string
	err   error
}

func (r *recordingReplicator) EnqueueCopy(object string, _, edge registry.Node, status multipart.Status) error {
	r.calls = append(r.calls, fmt.Sprintf("%s->%s:%s", object, edge.Alias, status))
	return r.err
}

type fixture struct {
	engine     *placement.Engine
	cache      cache.Cache
	replicator *recordingReplicator
	fakes      map[string]*s3test.Fake
	nodes      map[string]registry.Node
}

// newFixture builds a placement engine over an origin in Amsterdam and
// an edge in Tokyo. The locator puts every client in Osaka, so the
// Tokyo edge is always closest.
func newFixture(t *testing.T, locator geo.Locator) *fixture {
	t.Helper()

	nodesPath := filepath.Join(t.TempDir(), "nodes.json")
	require.NoError(t, os.WriteFile(nodesPath, []byte(`{
		"ORIGIN": {
			"endpoint": "origin.example.com:9000", "alias": "ORIGIN",
			"city": "Amsterdam", "latitude": 52.37, "longitude": 4.89, "is_active": "True"
		},
		"EDGE-1": {
			"endpoint": "edge1.example.com:9000", "alias": "EDGE-1",
			"city": "Tokyo", "latitude": 35.68, "longitude": 139.69, "is_active": "True"
		}
	}`), 0o600))
	reg := registry.New(nodesPath)

	nodes, err := reg.ActiveNodes()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewRedisFromClient(client)

	fakes := map[string]*s3test.Fake{
		"ORIGIN": s3test.New(testBucket),
		"EDGE-1": s3test.New(testBucket),
	}
	fakes["ORIGIN"].Endpoint = "http://origin.example.com:9000"
	fakes["EDGE-1"].Endpoint = "http://edge1.example.com:9000"

	factory := s3client.Factory(func(node registry.Node) (s3client.Client, error) {
		fake, ok := fakes[node.Alias]
		if !ok {
			return nil, fmt.Errorf("unknown node %q", node.Alias)
		}
		return fake, nil
	})

	replicator := &recordingReplicator{}
	engine := placement.New(reg, geo.NewRouter(locator), c, factory, replicator, testBucket)

	return &fixture{
		engine:     engine,
		cache:      c,
		replicator: replicator,
		fakes:      fakes,
		nodes:      nodes,
	}
}

func osakaClient() *stubLocator { return &stubLocator{lat: 34.69, lon: 135.50} }

func TestResolve_ClosestEdgeHasObject(t *testing.T) {
	f := newFixture(t, osakaClient())
	f.fakes["EDGE-1"].PutObject(testBucket, "film.mp4", []byte("data"), "video/mp4")

	res, err := f.engine.Resolve(context.Background(), "198.51.100.7", "film.mp4")
	require.NoError(t, err)

	assert.Equal(t, "edge1.example.com:9000", res.Node.Endpoint)
	assert.Empty(t, f.replicator.calls)
}

func TestResolve_EdgeMissesOriginServes(t *testing.T) {
	f := newFixture(t, osakaClient())
	f.fakes["ORIGIN"].PutObject(testBucket, "film.mp4", []byte("data"), "video/mp4")

	ctx := context.Background()
	res, err := f.engine.Resolve(ctx, "198.51.100.7", "film.mp4")
	require.NoError(t, err)

	// Origin serves while the edge copy is scheduled.
	assert.Equal(t, "origin.example.com:9000", res.Node.Endpoint)
	assert.Equal(t, []string{"film.mp4->EDGE-1:in_progress"}, f.replicator.calls)

	// Enqueuing leaves an in-flight marker behind.
	rec, err := multipart.LoadRecord(ctx, f.cache,
		multipart.Key(multipart.CollectionCDN, "film.mp4", f.nodes["EDGE-1"].URL()))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, multipart.StatusInProgress, rec.Status)

	// A repeat request sees the marker and does not enqueue again.
	_, err = f.engine.Resolve(ctx, "198.51.100.7", "film.mp4")
	require.NoError(t, err)
	assert.Len(t, f.replicator.calls, 1)
}

func TestResolve_SingleFlightReplication(t *testing.T) {
	f := newFixture(t, osakaClient())
	ctx := context.Background()
	f.fakes["ORIGIN"].PutObject(testBucket, "film.mp4", []byte("data"), "video/mp4")

	// A scheduler-driven attempt is already recorded for this edge.
	key := multipart.Key(multipart.CollectionCDN, "film.mp4", f.nodes["EDGE-1"].URL())
	require.NoError(t, multipart.StoreRecord(ctx, f.cache, key, &multipart.Record{
		LastModified: time.Now().UTC(),
		Status:       multipart.StatusSchedulerInProgress,
	}))

	res, err := f.engine.Resolve(ctx, "198.51.100.7", "film.mp4")
	require.NoError(t, err)

	assert.Equal(t, "origin.example.com:9000", res.Node.Endpoint)
	assert.Empty(t, f.replicator.calls)
}

func TestResolve_EnqueueFailureStillServes(t *testing.T) {
	f := newFixture(t, osakaClient())
	f.fakes["ORIGIN"].PutObject(testBucket, "film.mp4", []byte("data"), "video/mp4")
	f.replicator.err = fmt.Errorf("queue full")

	res, err := f.engine.Resolve(context.Background(), "198.51.100.7", "film.mp4")
	require.NoError(t, err)
	assert.Equal(t, "origin.example.com:9000", res.Node.Endpoint)
}

func TestResolve_GeolocationMissFallsBackToOrigin(t *testing.T) {
	f := newFixture(t, &stubLocator{err: fmt.Errorf("reserved address")})
	f.fakes["ORIGIN"].PutObject(testBucket, "film.mp4", []byte("data"), "video/mp4")

	res, err := f.engine.Resolve(context.Background(), "127.0.0.1", "film.mp4")
	require.NoError(t, err)

	assert.Equal(t, "origin.example.com:9000", res.Node.Endpoint)
	assert.Empty(t, f.replicator.calls)
}

func TestResolve_ObjectNowhere(t *testing.T) {
	f := newFixture(t, osakaClient())

	_, err := f.engine.Resolve(context.Background(), "198.51.100.7", "ghost.mp4")
	assert.ErrorIs(t, err, placement.ErrObjectNotFound)
	assert.Empty(t, f.replicator.calls)
}

func TestResolve_NoActiveOrigin(t *testing.T) {
	nodesPath := filepath.Join(t.TempDir(), "nodes.json")
	require.NoError(t, os.WriteFile(nodesPath, []byte(`{
		"ORIGIN": {"endpoint": "origin.example.com:9000", "alias": "ORIGIN", "is_active": "False"},
		"EDGE-1": {"endpoint": "edge1.example.com:9000", "alias": "EDGE-1", "is_active": "True"}
	}`), 0o600))
	reg := registry.New(nodesPath)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fake := s3test.New(testBucket)
	engine := placement.New(reg, geo.NewRouter(osakaClient()), cache.NewRedisFromClient(client),
		fake.Factory(), &recordingReplicator{}, testBucket)

	_, err := engine.Resolve(context.Background(), "198.51.100.7", "film.mp4")
	assert.ErrorIs(t, err, registry.ErrLocationsUnavailable)
}

func TestDelete_RemovesFromAllNodes(t *testing.T) {
	f := newFixture(t, osakaClient())
	ctx := context.Background()
	f.fakes["ORIGIN"].PutObject(testBucket, "film.mp4", []byte("data"), "video/mp4")
	f.fakes["EDGE-1"].PutObject(testBucket, "film.mp4", []byte("data"), "video/mp4")

	// Upload records exist on both nodes.
	for _, node := range f.nodes {
		require.NoError(t, multipart.MarkFinished(ctx, f.cache,
			multipart.Key(multipart.CollectionAPI, "film.mp4", node.URL())))
	}

	endpoints, err := f.engine.Delete(ctx, "film.mp4")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"http://origin.example.com:9000",
		"http://edge1.example.com:9000",
	}, endpoints)
	assert.Nil(t, f.fakes["ORIGIN"].Object(testBucket, "film.mp4"))
	assert.Nil(t, f.fakes["EDGE-1"].Object(testBucket, "film.mp4"))

	for _, node := range f.nodes {
		rec, err := multipart.LoadRecord(ctx, f.cache,
			multipart.Key(multipart.CollectionAPI, "film.mp4", node.URL()))
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
}

func TestDelete_PartialPresence(t *testing.T) {
	f := newFixture(t, osakaClient())
	f.fakes["ORIGIN"].PutObject(testBucket, "film.mp4", []byte("data"), "video/mp4")

	endpoints, err := f.engine.Delete(context.Background(), "film.mp4")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://origin.example.com:9000"}, endpoints)
}

func TestDelete_ObjectNowhere(t *testing.T) {
	f := newFixture(t, osakaClient())

	_, err := f.engine.Delete(context.Background(), "ghost.mp4")
	assert.ErrorIs(t, err, placement.ErrObjectNotFound)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, osakaClient())
	ctx := context.Background()

	key := multipart.Key(multipart.CollectionAPI, "film.mp4", f.nodes["ORIGIN"].URL())
	require.NoError(t, multipart.StoreRecord(ctx, f.cache, key, &multipart.Record{
		MPUID:        "mpu-1",
		LastModified: time.Now().UTC(),
		Status:       multipart.StatusInProgress,
	}))

	rec, endpoint, err := f.engine.Status(ctx, "film.mp4")
	require.NoError(t, err)
	assert.Equal(t, multipart.StatusInProgress, rec.Status)
	assert.Equal(t, "http://origin.example.com:9000", endpoint)
}

func TestStatus_Missing(t *testing.T) {
	f := newFixture(t, osakaClient())

	_, _, err := f.engine.Status(context.Background(), "ghost.mp4")
	assert.ErrorIs(t, err, placement.ErrObjectNotFound)
}
