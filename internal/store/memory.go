package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	auctions    map[string]*model.Auction
	bids        map[string][]model.Bid // auctionID → bids in acceptance order
	settlements map[string]model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions:    make(map[string]*model.Auction),
		bids:        make(map[string][]model.Bid),
		settlements: make(map[string]model.Settlement),
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s: %w", a.ID, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAuctions(_ context.Context, state model.State) ([]model.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]model.Summary, 0, len(s.auctions))
	for _, a := range s.auctions {
		if state != "" && a.State != state {
			continue
		}
		summaries = append(summaries, a.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].EndAt.Before(summaries[j].EndAt)
	})
	return summaries, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return s.filter(limit, func(a *model.Auction) bool {
		return a.State == model.StateActive && !a.EndAt.After(now)
	}, (*model.Auction).SweepOrder), nil
}

func (s *MemoryStore) ListDueForStart(_ context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return s.filter(limit, func(a *model.Auction) bool {
		return a.State == model.StateDraft && !a.StartAt.After(now)
	}, func(a *model.Auction) time.Time { return a.StartAt }), nil
}

func (s *MemoryStore) filter(limit int, match func(*model.Auction) bool, key func(*model.Auction) time.Time) []model.Auction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Auction
	for _, a := range s.auctions {
		if match(a) {
			result = append(result, *a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return key(&result[i]).Before(key(&result[j]))
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Commit checks the version and applies the auction update, bid append and
// settlement record under one lock.
func (s *MemoryStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.auctions[c.Auction.ID]
	if !ok {
		return fmt.Errorf("auction %s: %w", c.Auction.ID, ErrNotFound)
	}
	if current.Version != c.ExpectedVersion {
		return fmt.Errorf("auction %s at version %d, expected %d: %w",
			c.Auction.ID, current.Version, c.ExpectedVersion, ErrVersionConflict)
	}
	if c.Settlement != nil {
		if _, exists := s.settlements[c.Auction.ID]; exists {
			return fmt.Errorf("settlement for auction %s: %w", c.Auction.ID, ErrAlreadyExists)
		}
	}

	next := c.Auction.Clone()
	next.Version = c.ExpectedVersion + 1
	s.auctions[next.ID] = next
	c.Auction.Version = next.Version

	if c.Bid != nil {
		s.bids[next.ID] = append(s.bids[next.ID], *c.Bid)
	}
	if c.Settlement != nil {
		s.settlements[next.ID] = *c.Settlement
	}
	return nil
}

func (s *MemoryStore) GetBidsByAuction(_ context.Context, auctionID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bids := s.bids[auctionID]
	result := make([]model.Bid, len(bids))
	copy(result, bids)
	return result, nil
}

func (s *MemoryStore) GetBidsByBidder(_ context.Context, bidderID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, bids := range s.bids {
		for _, b := range bids {
			if b.BidderID == bidderID {
				result = append(result, b)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, auctionID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[auctionID]
	if !ok {
		return nil, fmt.Errorf("settlement for auction %s: %w", auctionID, ErrNotFound)
	}
	return &st, nil
}

// SettlementCount returns how many settlements have been recorded.
func (s *MemoryStore) SettlementCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.settlements)
}
