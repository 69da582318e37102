// Package geoindex maintains responder positions for radius queries.
//
// The index is derived state. Responder records are the source of truth and
// an index can always be rebuilt from them.
package geoindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/linnemanlabs/safeguard/internal/geo"
)

// Hit is a single radius query result.
type Hit struct {
	ID         string
	DistanceKm float64
}

// Index stores point positions keyed by id and answers radius queries.
// QueryRadius returns hits ordered by ascending distance and an empty
// slice, not an error, when nothing is in range.
type Index interface {
	Upsert(ctx context.Context, id string, c geo.Coordinate) error
	Remove(ctx context.Context, id string) error
	QueryRadius(ctx context.Context, center geo.Coordinate, radiusKm float64) ([]Hit, error)
}

// DefaultCellDeg is the grid cell edge, roughly 11 km at the equator.
const DefaultCellDeg = 0.1

// kmPerDegLat matches the sphere geo.DistanceKm measures on.
const kmPerDegLat = geo.EarthRadiusKm * math.Pi / 180

type cellKey struct{ x, y int }

type entry struct {
	pos  geo.Coordinate
	cell cellKey
}

// Grid is an in-process spatial hash over fixed lat/lon cells.
type Grid struct {
	mu      sync.RWMutex
	cellDeg float64
	nx, ny  int
	cells   map[cellKey]map[string]struct{}
	entries map[string]entry
}

// NewGrid returns an empty grid. cellDeg <= 0 selects DefaultCellDeg.
func NewGrid(cellDeg float64) *Grid {
	if cellDeg <= 0 || cellDeg > 90 {
		cellDeg = DefaultCellDeg
	}
	return &Grid{
		cellDeg: cellDeg,
		nx:      int(math.Ceil(360 / cellDeg)),
		ny:      int(math.Ceil(180 / cellDeg)),
		cells:   make(map[cellKey]map[string]struct{}),
		entries: make(map[string]entry),
	}
}

// Upsert places or moves id. Last writer wins.
func (g *Grid) Upsert(_ context.Context, id string, c geo.Coordinate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	key := g.cellOf(c)

	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[id]; ok && old.cell != key {
		g.unlink(id, old.cell)
	}
	bucket, ok := g.cells[key]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[key] = bucket
	}
	bucket[id] = struct{}{}
	g.entries[id] = entry{pos: c, cell: key}
	return nil
}

// Remove drops id. Removing an unknown id is a no-op.
func (g *Grid) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[id]; ok {
		g.unlink(id, old.cell)
		delete(g.entries, id)
	}
	return nil
}

// Len returns the number of indexed ids.
func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// QueryRadius scans only the cells overlapping the query circle's bounding box.
func (g *Grid) QueryRadius(_ context.Context, center geo.Coordinate, radiusKm float64) ([]Hit, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	hits := []Hit{}
	if radiusKm < 0 {
		return hits, nil
	}

	latSpanDeg := radiusKm / kmPerDegLat
	c := g.cellOf(center)
	// the center sits anywhere inside its cell, so one extra ring is needed
	dy := int(math.Ceil(latSpanDeg/g.cellDeg)) + 1
	ymin := max(0, c.y-dy)
	ymax := min(g.ny-1, c.y+dy)

	// widest longitude span occurs at the box edge nearest a pole
	fullLon := false
	var dx int
	edgeLat := math.Min(90, math.Abs(center.Lat)+latSpanDeg)
	if cos := math.Cos(edgeLat * math.Pi / 180); cos < 1e-6 {
		fullLon = true
	} else {
		dx = int(math.Ceil(latSpanDeg/cos/g.cellDeg)) + 1
		if 2*dx+1 >= g.nx {
			fullLon = true
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visit := func(key cellKey) {
		for id := range g.cells[key] {
			d := geo.DistanceKm(center, g.entries[id].pos)
			if d <= radiusKm {
				hits = append(hits, Hit{ID: id, DistanceKm: d})
			}
		}
	}

	for y := ymin; y <= ymax; y++ {
		if fullLon {
			for x := 0; x < g.nx; x++ {
				visit(cellKey{x, y})
			}
			continue
		}
		for off := -dx; off <= dx; off++ {
			x := ((c.x+off)%g.nx + g.nx) % g.nx
			visit(cellKey{x, y})
		}
	}

	SortHits(hits)
	return hits, nil
}

func (g *Grid) cellOf(c geo.Coordinate) cellKey {
	x := int(math.Floor((c.Lon + 180) / g.cellDeg))
	y := int(math.Floor((c.Lat + 90) / g.cellDeg))
	// lon 180 and lat 90 land one past the last cell
	if x >= g.nx {
		x = 0
	}
	if y >= g.ny {
		y = g.ny - 1
	}
	return cellKey{x, y}
}

func (g *Grid) unlink(id string, key cellKey) {
	bucket := g.cells[key]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(g.cells, key)
	}
}

// SortHits orders hits by distance, then id for a stable result.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].ID < hits[j].ID
	})
}
