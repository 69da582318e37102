package safety

import (
	"context"
	"fmt"
	"sort"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/geoindex"
)

// Match is one responder selected for an incident.
type Match struct {
	Responder  *Responder
	DistanceKm float64
}

// MatchResult is the matcher output. Degraded is set when the list came from
// the fallback and not from a radius match.
type MatchResult struct {
	Matches  []Match
	Degraded bool
}

// Recipients returns the delivery addresses of every match.
func (m *MatchResult) Recipients() []Recipient {
	out := make([]Recipient, 0, len(m.Matches))
	for _, mt := range m.Matches {
		out = append(out, mt.Responder.Recipient())
	}
	return out
}

// MatcherOptions tunes the matcher.
type MatcherOptions struct {
	// FallbackLimit > 0 enables the degraded fallback: when no responder
	// matches by radius, the FallbackLimit most recently active eligible
	// responders are returned regardless of distance.
	FallbackLimit int
}

// Matcher applies the alerting rule: an eligible responder matches when the
// incident lies within that responder's own search radius.
type Matcher struct {
	index      geoindex.Index
	responders ResponderStore
	opts       MatcherOptions
	logger     log.Logger
}

// NewMatcher creates a matcher over the given index and responder records.
func NewMatcher(index geoindex.Index, responders ResponderStore, logger log.Logger, opts MatcherOptions) *Matcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Matcher{
		index:      index,
		responders: responders,
		opts:       opts,
		logger:     logger,
	}
}

// FindRespondersForIncident returns the responders to alert for point.
// maxRadiusKm bounds the index query and must be at least as large as any
// responder radius.
func (m *Matcher) FindRespondersForIncident(ctx context.Context, point geo.Coordinate, maxRadiusKm float64) (*MatchResult, error) {
	hits, err := m.index.QueryRadius(ctx, point, indexSearchRadius(maxRadiusKm))
	if err != nil {
		return nil, fmt.Errorf("geo query: %w", err)
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	candidates, err := m.responders.GetResponders(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load responders: %w", err)
	}

	res := &MatchResult{Matches: []Match{}}
	for _, r := range candidates {
		if !r.Eligible() {
			continue
		}
		// the record is authoritative, the index may lag a position update
		d := geo.DistanceKm(*r.Position, point)
		if d <= r.RadiusKm {
			res.Matches = append(res.Matches, Match{Responder: r, DistanceKm: d})
		}
	}

	if len(res.Matches) == 0 && m.opts.FallbackLimit > 0 {
		recent, err := m.responders.RecentEligibleResponders(ctx, m.opts.FallbackLimit)
		if err != nil {
			return nil, fmt.Errorf("fallback responders: %w", err)
		}
		for _, r := range recent {
			if !r.Eligible() {
				continue
			}
			res.Matches = append(res.Matches, Match{Responder: r, DistanceKm: geo.DistanceKm(*r.Position, point)})
		}
		res.Degraded = true
		m.logger.Warn(ctx, "no responder in range, using fallback",
			"lat", point.Lat, "lon", point.Lon, "fallback", len(res.Matches))
	}

	SortMatches(res.Matches)
	return res, nil
}

// indexSearchRadius pads an index query so a responder sitting exactly on a
// radius still comes back as a candidate. The record distance decides.
func indexSearchRadius(km float64) float64 {
	return km*1.001 + 0.01
}

// SortMatches orders by distance. Distances within a metre are a tie and go
// to the most recent position update, then the lower id.
func SortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if !geo.Coincident(a.DistanceKm, b.DistanceKm) {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.Responder.PositionUpdatedAt.Equal(b.Responder.PositionUpdatedAt) {
			return a.Responder.PositionUpdatedAt.After(b.Responder.PositionUpdatedAt)
		}
		return a.Responder.ID < b.Responder.ID
	})
}
