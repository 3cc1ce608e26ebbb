package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkarpele/geocdn/pkg/cache"
	"github.com/dkarpele/geocdn/pkg/registry"
)

// stubLocator returns fixed coordinates without network access.
type stubLocator struct {
	lat, lon float64
	err      error
}

func (s *stubLocator) Locate(context.Context, string) (float64, float64, error) {
	return s.lat, s.lon, s.err
}

func testNodes() map[string]registry.Node {
	return map[string]registry.Node{
		"ORIGIN": {
			Endpoint: "origin.example.com:9000", Alias: "ORIGIN",
			City: "Amsterdam", Latitude: 52.37, Longitude: 4.89,
		},
		"EDGE-1": {
			Endpoint: "edge1.example.com:9000", Alias: "EDGE-1",
			City: "Tokyo", Latitude: 35.68, Longitude: 139.69,
		},
		"EDGE-2": {
			Endpoint: "edge2.example.com:9000", Alias: "EDGE-2",
			City: "Denver", Latitude: 39.74, Longitude: -104.99,
		},
	}
}

func TestFindClosest(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		want     string
	}{
		{"client in Osaka picks Tokyo", 34.69, 135.50, "edge1.example.com:9000"},
		{"client in Paris picks Amsterdam", 48.85, 2.35, "origin.example.com:9000"},
		{"client in Chicago picks Denver", 41.88, -87.63, "edge2.example.com:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(&stubLocator{lat: tt.lat, lon: tt.lon})

			node, ok := router.FindClosest(context.Background(), "198.51.100.7", testNodes())
			require.True(t, ok)
			assert.Equal(t, tt.want, node.Endpoint)
		})
	}
}

func TestFindClosest_LocatorFailure(t *testing.T) {
	router := NewRouter(&stubLocator{err: fmt.Errorf("lookup failed")})

	_, ok := router.FindClosest(context.Background(), "198.51.100.7", testNodes())
	assert.False(t, ok)
}

func TestFindClosest_NoNodes(t *testing.T) {
	router := NewRouter(&stubLocator{lat: 1, lon: 1})

	_, ok := router.FindClosest(context.Background(), "198.51.100.7", nil)
	assert.False(t, ok)
}

func TestIPAPI_Locate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/198.51.100.7/json/", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		fmt.Fprint(w, `{"ip": "198.51.100.7", "latitude": 52.37, "longitude": 4.89}`)
	}))
	defer srv.Close()

	locator := NewIPAPIWithBase(srv.URL, "secret")
	lat, lon, err := locator.Locate(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.InDelta(t, 52.37, lat, 0.001)
	assert.InDelta(t, 4.89, lon, 0.001)
}

func TestIPAPI_Locate_UnknownAddress(t *testing.T) {
	// Reserved addresses come back without coordinates.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ip": "127.0.0.1", "error": true, "reason": "Reserved IP Address"}`)
	}))
	defer srv.Close()

	locator := NewIPAPIWithBase(srv.URL, "secret")
	_, _, err := locator.Locate(context.Background(), "127.0.0.1")
	assert.Error(t, err)
}

// countingLocator counts how often the provider is actually hit.
type countingLocator struct {
	stubLocator
	calls int
}

func (c *countingLocator) Locate(ctx context.Context, ip string) (float64, float64, error) {
	c.calls++
	return c.stubLocator.Locate(ctx, ip)
}

func TestCachedLocator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewRedisFromClient(client)

	inner := &countingLocator{stubLocator: stubLocator{lat: 52.37, lon: 4.89}}
	locator := NewCachedLocator(inner, c, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lat, lon, err := locator.Locate(ctx, "198.51.100.7")
		require.NoError(t, err)
		assert.InDelta(t, 52.37, lat, 0.001)
		assert.InDelta(t, 4.89, lon, 0.001)
	}
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 5*time.Minute, mr.TTL("geo^198.51.100.7"))

	// Expired entries fall through to the provider again.
	mr.FastForward(6 * time.Minute)
	_, _, err := locator.Locate(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedLocator_DoesNotCacheErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewRedisFromClient(client)

	inner := &countingLocator{stubLocator: stubLocator{err: fmt.Errorf("reserved address")}}
	locator := NewCachedLocator(inner, c, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := locator.Locate(ctx, "127.0.0.1")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, inner.calls)
}

func TestDistance(t *testing.T) {
	// Amsterdam to Tokyo is roughly 9300 km.
	d := distance(52.37, 4.89, 35.68, 139.69)
	assert.InDelta(t, 9300, d, 200)

	assert.Zero(t, distance(52.37, 4.89, 52.37, 4.89))
}
