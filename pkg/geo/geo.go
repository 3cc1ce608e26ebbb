// Package geo resolves client IPs to coordinates and picks the closest
// node by great-circle distance.
//
// Geolocation failures are not errors: the caller degrades to the
// origin node.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dkarpele/geocdn/internal/logger"
	"github.com/dkarpele/geocdn/pkg/cache"
	"github.com/dkarpele/geocdn/pkg/registry"
)

// Locator resolves an IP address to latitude/longitude.
type Locator interface {
	Locate(ctx context.Context, ip string) (lat, lon float64, err error)
}

// IPAPI is a Locator backed by the ipapi.co lookup service.
type IPAPI struct {
	client  *http.Client
	baseURL string
	key     string
}

// NewIPAPI creates an ipapi.co locator with the given API key.
func NewIPAPI(key string) *IPAPI {
	return &IPAPI{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: "https://ipapi.co",
		key:     key,
	}
}

// NewIPAPIWithBase creates a locator against a custom base URL. Used by
// tests to point at a local server.
func NewIPAPIWithBase(baseURL, key string) *IPAPI {
	l := NewIPAPI(key)
	l.baseURL = baseURL
	return l
}

// Locate looks up ip. The provider returns a JSON document without
// latitude/longitude for unknown or reserved addresses; that surfaces
// as an error here.
func (l *IPAPI) Locate(ctx context.Context, ip string) (float64, float64, error) {
	url := fmt.Sprintf("%s/%s/json/?key=%s", l.baseURL, ip, l.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("geolocation lookup for %q: %w", ip, err)
	}
	defer resp.Body.Close()

	var body struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, fmt.Errorf("geolocation response for %q: %w", ip, err)
	}
	if body.Latitude == nil || body.Longitude == nil {
		return 0, 0, fmt.Errorf("%q not found in the geolocation database", ip)
	}
	return *body.Latitude, *body.Longitude, nil
}

// CachedLocator memoizes lookups of another Locator in the shared
// cache. Client addresses repeat heavily, and the provider bills per
// request.
type CachedLocator struct {
	inner Locator
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedLocator wraps inner with a cache whose entries expire after
// ttl.
func NewCachedLocator(inner Locator, c cache.Cache, ttl time.Duration) *CachedLocator {
	return &CachedLocator{inner: inner, cache: c, ttl: ttl}
}

// Locate returns the cached coordinates for ip, falling through to the
// inner locator on a miss. Cache failures are ignored on both sides;
// lookup errors are never cached.
func (l *CachedLocator) Locate(ctx context.Context, ip string) (float64, float64, error) {
	key := "geo^" + ip

	fields, err := l.cache.HGetAll(ctx, key)
	if err == nil && len(fields) > 0 {
		lat, latErr := strconv.ParseFloat(fields["latitude"], 64)
		lon, lonErr := strconv.ParseFloat(fields["longitude"], 64)
		if latErr == nil && lonErr == nil {
			return lat, lon, nil
		}
	}

	lat, lon, err := l.inner.Locate(ctx, ip)
	if err != nil {
		return 0, 0, err
	}

	if err := l.cache.HSet(ctx, key, map[string]string{
		"latitude":  strconv.FormatFloat(lat, 'f', -1, 64),
		"longitude": strconv.FormatFloat(lon, 'f', -1, 64),
	}, l.ttl); err != nil {
		logger.Warn("geolocation cache write failed", "ip", ip, "error", err)
	}
	return lat, lon, nil
}

// Router picks nodes by proximity to the client.
type Router struct {
	locator Locator
}

// NewRouter creates a Router over the given locator.
func NewRouter(locator Locator) *Router {
	return &Router{locator: locator}
}

// FindClosest returns the active node nearest to clientIP. The second
// return value is false when geolocation failed and the caller should
// fall back to the origin. Ties resolve to the first node encountered
// in iteration order; callers must not depend on tie order.
func (r *Router) FindClosest(ctx context.Context, clientIP string, nodes map[string]registry.Node) (registry.Node, bool) {
	lat, lon, err := r.locator.Locate(ctx, clientIP)
	if err != nil {
		logger.Warn("geolocation miss, falling back to origin", "ip", clientIP, "error", err)
		return registry.Node{}, false
	}

	var closest registry.Node
	minDistance := math.Inf(1)
	found := false
	for _, node := range nodes {
		d := distance(lat, lon, node.Latitude, node.Longitude)
		if d < minDistance {
			minDistance = d
			closest = node
			found = true
		}
	}
	if !found {
		return registry.Node{}, false
	}

	logger.Info("closest node selected",
		"ip", clientIP, "endpoint", closest.Endpoint, "city", closest.City,
		"distance_km", math.Round(minDistance))
	return closest, true
}

// earthRadiusKm is the mean Earth radius.
const earthRadiusKm = 6371.0

// distance returns the great-circle distance in kilometers between two
// coordinates (haversine formula).
func distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
