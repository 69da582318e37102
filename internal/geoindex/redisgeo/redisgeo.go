// Package redisgeo implements geoindex.Index on Redis GEO sets so several
// server replicas share one responder index.
package redisgeo

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/geoindex"
)

// DefaultKey is the sorted set holding responder positions.
const DefaultKey = "safeguard:responders:geo"

// Index stores positions with GEOADD and answers GEOSEARCH queries.
type Index struct {
	client redis.UniversalClient
	key    string
}

// New returns an Index over key. An empty key selects DefaultKey.
func New(client redis.UniversalClient, key string) *Index {
	if key == "" {
		key = DefaultKey
	}
	return &Index{client: client, key: key}
}

// Upsert places or moves id.
func (i *Index) Upsert(ctx context.Context, id string, c geo.Coordinate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	// redis rejects latitudes beyond the web mercator limit
	if c.Lat > 85.05112878 || c.Lat < -85.05112878 {
		return fmt.Errorf("redisgeo: latitude %v outside indexable range", c.Lat)
	}
	err := i.client.GeoAdd(ctx, i.key, &redis.GeoLocation{
		Name:      id,
		Longitude: c.Lon,
		Latitude:  c.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redisgeo: geoadd %s: %w", id, err)
	}
	return nil
}

// Remove drops id from the set.
func (i *Index) Remove(ctx context.Context, id string) error {
	if err := i.client.ZRem(ctx, i.key, id).Err(); err != nil {
		return fmt.Errorf("redisgeo: zrem %s: %w", id, err)
	}
	return nil
}

// redisEarthRadiusKm is the sphere Redis GEO commands measure on.
const redisEarthRadiusKm = 6372.7976

// SearchRadiusKm is the GEOSEARCH radius that covers every point within
// radiusKm as measured by geo.DistanceKm. Redis uses a larger sphere and
// stores 52-bit geohashes, so the raw radius would miss points at the edge.
func SearchRadiusKm(radiusKm float64) float64 {
	return radiusKm*redisEarthRadiusKm/geo.EarthRadiusKm + 0.01
}

// QueryRadius runs GEOSEARCH ... BYRADIUS km WITHCOORD over a padded radius
// and keeps the points within radiusKm by geo.DistanceKm.
func (i *Index) QueryRadius(ctx context.Context, center geo.Coordinate, radiusKm float64) ([]geoindex.Hit, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	hits := []geoindex.Hit{}
	if radiusKm < 0 {
		return hits, nil
	}

	locs, err := i.client.GeoSearchLocation(ctx, i.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     SearchRadiusKm(radiusKm),
			RadiusUnit: "km",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return hits, nil
		}
		return nil, fmt.Errorf("redisgeo: geosearch: %w", err)
	}

	for _, l := range locs {
		d := geo.DistanceKm(center, geo.Coordinate{Lat: l.Latitude, Lon: l.Longitude})
		if d <= radiusKm {
			hits = append(hits, geoindex.Hit{ID: l.Name, DistanceKm: d})
		}
	}
	geoindex.SortHits(hits)
	return hits, nil
}
