package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// CancelAuction withdraws an auction that has not received any bid. Only the
// creator may cancel.
func (s *Service) CancelAuction(ctx context.Context, auctionID, requesterID string, now time.Time) (*model.Auction, error) {
	now = now.UTC()
	for attempt := 1; ; attempt++ {
		a, err := s.load(ctx, auctionID)
		if err != nil {
			return nil, err
		}
		if a.CreatorID != requesterID {
			return nil, ErrNotCreator
		}
		if a.State.Terminal() {
			return nil, fmt.Errorf("%w: auction is %s", ErrAuctionNotActive, a.State)
		}
		if a.BidCount > 0 {
			return nil, ErrCannotCancelWithBids
		}
		if a.ClosingAt != nil {
			return nil, ErrSettlementInProgress
		}

		next := a.Clone()
		next.State = model.StateCancelled
		next.EndedAt = &now

		err = s.store.Commit(ctx, store.Commit{Auction: next, ExpectedVersion: a.Version})
		if conflict(err) {
			metrics.VersionConflicts.WithLabelValues("cancel").Inc()
			if attempt >= s.cfg.MaxAttempts {
				return nil, fmt.Errorf("%w: cancel %s after %d attempts", ErrConcurrentModification, a.ID, attempt)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit cancel: %w", err)
		}

		s.logger.Info("auction cancelled", "auction_id", a.ID, "creator_id", a.CreatorID)
		s.publish(model.Event{
			Type:      model.EventAuctionCancelled,
			AuctionID: a.ID,
			Price:     next.CurrentPrice,
			EndAt:     next.EndAt,
			Timestamp: now,
		})
		return next, nil
	}
}
