// Package suppress implements the notification cooldown gate. It is
// deliberately decoupled from drift-signal persistence: recomputing a window
// while the underlying data is unchanged must not re-notify, but suppression
// state never touches the canonical signal record.
package suppress

import (
	"context"
	"errors"
	"time"

	"github.com/claimwatch/claimwatch-drift/internal/cache"
)

const keyPrefix = "notify:"

// Gate tracks last-notified markers per signal uniqueness key with a TTL
// equal to the cooldown window. Absence of a marker means "not recently
// notified"; expiry is time-based, so a recurrence of the same signal after
// cooldown is a fresh notification opportunity.
type Gate struct {
	provider cache.Provider
	cooldown time.Duration
}

// NewGate builds a gate over the given cache provider with a default
// cooldown.
func NewGate(provider cache.Provider, cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Gate{provider: provider, cooldown: cooldown}
}

// ShouldNotify reports whether no notification marker exists for the key
// within the cooldown window. Cache failures fail open: the cooldown is a
// best-effort convenience layer, and a repeated notification is preferable
// to a silently dropped one.
func (g *Gate) ShouldNotify(ctx context.Context, key string) (bool, error) {
	_, err := g.provider.Get(ctx, keyPrefix+key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return true, nil
		}
		return true, err
	}
	return false, nil
}

// MarkNotified records that the key was notified at the given instant. The
// marker expires after the cooldown.
func (g *Gate) MarkNotified(ctx context.Context, key string, now time.Time) error {
	return g.MarkNotifiedTTL(ctx, key, now, g.cooldown)
}

// MarkNotifiedTTL records the marker with an explicit cooldown.
func (g *Gate) MarkNotifiedTTL(ctx context.Context, key string, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.cooldown
	}
	return g.provider.Set(ctx, keyPrefix+key, []byte(now.UTC().Format(time.RFC3339)), ttl)
}

// TryAcquire atomically checks and sets the marker, so that of two
// concurrent runs surfacing the same signal exactly one wins the right to
// notify. Cache failures fail open, like ShouldNotify.
func (g *Gate) TryAcquire(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = g.cooldown
	}
	ok, err := g.provider.SetNX(ctx, keyPrefix+key, []byte(now.UTC().Format(time.RFC3339)), ttl)
	if err != nil {
		return true, err
	}
	return ok, nil
}

// Reset clears the marker, re-arming notification for the key.
func (g *Gate) Reset(ctx context.Context, key string) error {
	return g.provider.Del(ctx, keyPrefix+key)
}
