// Package redisstore keeps live-tracking projections in Redis so every
// replica serves the same rider position.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

// DefaultPrefix namespaces track keys.
const DefaultPrefix = "safeguard:track:"

// Tracks stores one JSON value per escort session with a sliding TTL.
type Tracks struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ safety.TrackStore = (*Tracks)(nil)

// New returns a track store. Empty prefix and non-positive ttl select the defaults.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *Tracks {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Tracks{client: client, prefix: prefix, ttl: ttl}
}

func (t *Tracks) key(sessionID string) string { return t.prefix + sessionID }

// PutTrack overwrites the projection and resets its TTL.
func (t *Tracks) PutTrack(ctx context.Context, lt *safety.LiveTrack) error {
	b, err := json.Marshal(lt)
	if err != nil {
		return fmt.Errorf("redisstore: marshal track: %w", err)
	}
	if err := t.client.Set(ctx, t.key(lt.SessionID), b, t.ttl).Err(); err != nil {
		return classify("set track", err)
	}
	return nil
}

func (t *Tracks) GetTrack(ctx context.Context, sessionID string) (*safety.LiveTrack, bool, error) {
	b, err := t.client.Get(ctx, t.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get track", err)
	}
	var lt safety.LiveTrack
	if err := json.Unmarshal(b, &lt); err != nil {
		return nil, false, fmt.Errorf("redisstore: unmarshal track %s: %w", sessionID, err)
	}
	return &lt, true, nil
}

// DeleteTrack is a no-op for unknown sessions.
func (t *Tracks) DeleteTrack(ctx context.Context, sessionID string) error {
	if err := t.client.Del(ctx, t.key(sessionID)).Err(); err != nil {
		return classify("delete track", err)
	}
	return nil
}

// classify marks network and timeout failures as transient.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
		return &safety.TransientStoreError{Op: "redisstore: " + op, Err: err}
	}
	return fmt.Errorf("redisstore: %s: %w", op, err)
}
