package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only terminal auctions are cached by id. A live auction changes on every
// bid, and a read racing a commit could repopulate the key with the
// pre-commit row. Should a stale entry exist anyway it costs a writer one
// version conflict, which evicts the key so the retry reads the primary.
//
// Summary listings and a bidder's bid history are cached too; a read that
// races an invalidation can serve them stale for at most ttl.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.cacheAuction(ctx, a)
	s.invalidateSummaries(ctx)
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, c Commit) error {
	err := s.primary.Commit(ctx, c)
	// Invalidate on success and on conflict; next read will re-populate.
	if err == nil || errors.Is(err, ErrVersionConflict) {
		s.rdb.Del(ctx, auctionKey(c.Auction.ID))
	}
	if err != nil {
		return err
	}
	s.invalidateSummaries(ctx)
	if c.Bid != nil {
		s.rdb.Del(ctx, bidderBidsKey(c.Bid.BidderID))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, auctionKey(id)).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheAuction(ctx, a)
	return a, nil
}

func (s *CachedStore) ListAuctions(ctx context.Context, state model.State) ([]model.Summary, error) {
	data, err := s.rdb.Get(ctx, summariesKey(state)).Bytes()
	if err == nil {
		var summaries []model.Summary
		if json.Unmarshal(data, &summaries) == nil {
			return summaries, nil
		}
	}

	summaries, err := s.primary.ListAuctions(ctx, state)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(summaries); err == nil {
		s.rdb.Set(ctx, summariesKey(state), data, s.ttl)
	}
	return summaries, nil
}

func (s *CachedStore) GetBidsByBidder(ctx context.Context, bidderID string) ([]model.Bid, error) {
	data, err := s.rdb.Get(ctx, bidderBidsKey(bidderID)).Bytes()
	if err == nil {
		var bids []model.Bid
		if json.Unmarshal(data, &bids) == nil {
			return bids, nil
		}
	}

	bids, err := s.primary.GetBidsByBidder(ctx, bidderID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(bids); err == nil {
		s.rdb.Set(ctx, bidderBidsKey(bidderID), data, s.ttl)
	}
	return bids, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return s.primary.ListExpired(ctx, now, limit)
}

func (s *CachedStore) ListDueForStart(ctx context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return s.primary.ListDueForStart(ctx, now, limit)
}

func (s *CachedStore) GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	return s.primary.GetBidsByAuction(ctx, auctionID)
}

func (s *CachedStore) GetSettlement(ctx context.Context, auctionID string) (*model.Settlement, error) {
	return s.primary.GetSettlement(ctx, auctionID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAuction(ctx context.Context, a *model.Auction) {
	if !a.State.Terminal() {
		return
	}
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, auctionKey(a.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateSummaries(ctx context.Context) {
	s.rdb.Del(ctx,
		summariesKey(""),
		summariesKey(model.StateDraft),
		summariesKey(model.StateActive),
		summariesKey(model.StateEnded),
		summariesKey(model.StateCancelled),
	)
}

func auctionKey(id string) string { return fmt.Sprintf("auction:%s", id) }
func summariesKey(state model.State) string { return fmt.Sprintf("summaries:%s", state) }
func bidderBidsKey(bidderID string) string { return fmt.Sprintf("bidder-bids:%s", bidderID) }
