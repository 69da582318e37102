package memstore

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

// DefaultTrackTTL bounds how long a projection survives without updates.
const DefaultTrackTTL = 6 * time.Hour

// Tracks holds live-tracking projections in an expiring cache.
type Tracks struct {
	c *gocache.Cache
}

var _ safety.TrackStore = (*Tracks)(nil)

// NewTracks creates a track store. Entries expire ttl after their last write.
func NewTracks(ttl time.Duration) *Tracks {
	if ttl <= 0 {
		ttl = DefaultTrackTTL
	}
	return &Tracks{c: gocache.New(ttl, ttl/2)}
}

func (t *Tracks) PutTrack(_ context.Context, lt *safety.LiveTrack) error {
	cp := *lt
	t.c.SetDefault(lt.SessionID, &cp)
	return nil
}

func (t *Tracks) GetTrack(_ context.Context, sessionID string) (*safety.LiveTrack, bool, error) {
	v, ok := t.c.Get(sessionID)
	if !ok {
		return nil, false, nil
	}
	cp := *v.(*safety.LiveTrack)
	return &cp, true, nil
}

// DeleteTrack is a no-op for unknown sessions.
func (t *Tracks) DeleteTrack(_ context.Context, sessionID string) error {
	t.c.Delete(sessionID)
	return nil
}

// Len reports cached projections, including expired ones not yet evicted.
func (t *Tracks) Len() int {
	return t.c.ItemCount()
}
