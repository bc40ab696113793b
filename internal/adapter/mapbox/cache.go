package mapbox

import (
	"context"
	"fmt"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/observability"
	"github.com/dgraph-io/ristretto"
)

// CachedGeocoder wraps a Geocoder with an in-memory ristretto cache.
type CachedGeocoder struct {
	inner   domain.Geocoder
	cache   *ristretto.Cache
	metrics *observability.Metrics
}

// NewCachedGeocoder creates a cache decorator around a geocoder holding up
// to maxEntries results.
func NewCachedGeocoder(inner domain.Geocoder, maxEntries int, metrics *observability.Metrics) (*CachedGeocoder, error) {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create geocode cache: %w", err)
	}
	return &CachedGeocoder{inner: inner, cache: cache, metrics: metrics}, nil
}

// ReverseGeocode answers from the cache when it can. Coordinates are keyed at
// 0.01 degree resolution, well below model grid spacing.
func (c *CachedGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (domain.GeocodingResult, error) {
	key := fmt.Sprintf("rev:%.2f,%.2f", lat, lon)
	if v, ok := c.cache.Get(key); ok {
		c.metrics.GeocodeCache.WithLabelValues(methodReverse, "hit").Inc()
		return v.(domain.GeocodingResult), nil
	}
	c.metrics.GeocodeCache.WithLabelValues(methodReverse, "miss").Inc()

	result, err := c.inner.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		return result, err
	}
	// Only cache non-empty results so transient "not found" responses can be retried.
	if result.FormattedAddress != "" {
		c.cache.Set(key, result, 1)
	}
	return result, nil
}

// Close releases the cache.
func (c *CachedGeocoder) Close() {
	c.cache.Close()
}
