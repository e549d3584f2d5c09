package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupTTL = 24 * time.Hour

// DedupChecker remembers processed provider callbacks.
// Key format: dedup:cb:<provider>:<reference>:<outcome>
type DedupChecker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedupChecker creates a DedupChecker wrapping the given Redis client.
func NewDedupChecker(client *redis.Client) *DedupChecker {
	return &DedupChecker{client: client, ttl: dedupTTL}
}

// IsDuplicate reports whether this exact callback has already been processed.
func (d *DedupChecker) IsDuplicate(ctx context.Context, provider, reference, outcome string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	n, err := d.client.Exists(ctx, key(provider, reference, outcome)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return n > 0, nil
}

// Mark records that this callback has been processed (expires after the dedup TTL).
func (d *DedupChecker) Mark(ctx context.Context, provider, reference, outcome string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return d.client.Set(ctx, key(provider, reference, outcome), "1", d.ttl).Err()
}

func key(provider, reference, outcome string) string {
	return fmt.Sprintf("dedup:cb:%s:%s:%s", provider, reference, outcome)
}
