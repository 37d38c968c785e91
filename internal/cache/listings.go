package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const defaultListingTTL = 30 * time.Second

// Listings caches per-tenant connection listings. It is an explicit cache
// object: every write path that changes a tenant's connections must call
// Invalidate, there is no ambient package-level state. A nil *Listings is a
// valid no-op cache.
type Listings struct {
	redis  *Redis
	logger *slog.Logger
	ttl    time.Duration
}

// NewListings builds the listings cache on top of an optional Redis client.
// When redis is nil the cache is disabled entirely.
func NewListings(redis *Redis, logger *slog.Logger) *Listings {
	if redis == nil {
		return nil
	}
	return &Listings{
		redis:  redis,
		logger: logger.With("component", "listings_cache"),
		ttl:    defaultListingTTL,
	}
}

func listingKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("gw:connections:%s", tenantID)
}

// Get loads a cached listing into dest, reporting whether it was present.
func (l *Listings) Get(ctx context.Context, tenantID uuid.UUID, dest any) bool {
	if l == nil {
		return false
	}
	ok, err := l.redis.GetJSON(ctx, listingKey(tenantID), dest)
	if err != nil {
		l.logger.Warn("listing cache read failed", "tenant_id", tenantID, "error", err)
		return false
	}
	return ok
}

// Put stores a tenant's connection listing.
func (l *Listings) Put(ctx context.Context, tenantID uuid.UUID, value any) {
	if l == nil {
		return
	}
	if err := l.redis.SetJSON(ctx, listingKey(tenantID), value, l.ttl); err != nil {
		l.logger.Warn("listing cache write failed", "tenant_id", tenantID, "error", err)
	}
}

// Invalidate drops the cached listing for a tenant. Called by every path that
// mutates that tenant's connections.
func (l *Listings) Invalidate(ctx context.Context, tenantID uuid.UUID) {
	if l == nil {
		return
	}
	if err := l.redis.Delete(ctx, listingKey(tenantID)); err != nil {
		l.logger.Warn("listing cache invalidate failed", "tenant_id", tenantID, "error", err)
	}
}
