package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// BuyNowRequest is an instant purchase at the auction's buy-now price.
type BuyNowRequest struct {
	AuctionID string
	BuyerID   string
	Origin    string
	Now       time.Time
}

// ExecuteBuyNow ends the auction at its buy-now price. The purchase is
// recorded as a final bid together with the settlement claim in one guarded
// write, so no regular bid can slip in between; funds then move exactly as
// for a normal close.
func (s *Service) ExecuteBuyNow(ctx context.Context, req BuyNowRequest) (*model.Outcome, error) {
	out, err := s.buyNow(ctx, req)
	if err != nil {
		metrics.BuyNowsTotal.WithLabelValues(Reason(err)).Inc()
		return out, err
	}
	metrics.BuyNowsTotal.WithLabelValues("accepted").Inc()
	return out, nil
}

func (s *Service) buyNow(ctx context.Context, req BuyNowRequest) (*model.Outcome, error) {
	now := req.Now.UTC()
	var eligible, solvent bool

	for attempt := 1; ; attempt++ {
		a, err := s.load(ctx, req.AuctionID)
		if err != nil {
			return nil, err
		}
		if a.BuyNowPrice == nil {
			return nil, ErrBuyNowUnavailable
		}
		if err := checkBiddable(a, req.BuyerID, now); err != nil {
			return nil, err
		}
		if !eligible {
			if err := s.checkEligible(ctx, a, req.BuyerID); err != nil {
				return nil, err
			}
			eligible = true
		}
		price := *a.BuyNowPrice
		if !price.GreaterThan(a.CurrentPrice) {
			return nil, fmt.Errorf("%w: current %s, buy-now %s", ErrAuctionPriceChanged, a.CurrentPrice, price)
		}
		if !solvent {
			if err := s.checkSolvent(ctx, req.BuyerID, price); err != nil {
				return nil, err
			}
			solvent = true
		}

		next := a.Clone()
		next.State = model.StateActive
		next.CurrentPrice = price
		next.HighestBidderID = req.BuyerID
		next.BidCount++
		next.EndAt = now
		next.ClosingAt = &now

		bid := &model.Bid{
			ID:          uuid.New().String(),
			AuctionID:   a.ID,
			BidderID:    req.BuyerID,
			Amount:      price,
			Kind:        model.BidKindBuyNow,
			Seq:         next.BidCount,
			Origin:      req.Origin,
			SubmittedAt: now,
		}

		err = s.store.Commit(ctx, store.Commit{Auction: next, ExpectedVersion: a.Version, Bid: bid})
		if conflict(err) {
			metrics.VersionConflicts.WithLabelValues("buy_now").Inc()
			if attempt >= s.cfg.MaxAttempts {
				return nil, fmt.Errorf("%w: buy-now on %s after %d attempts", ErrConcurrentModification, a.ID, attempt)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit buy-now: %w", err)
		}

		s.logger.Info("buy-now accepted",
			"auction_id", a.ID,
			"buyer_id", req.BuyerID,
			"price", price.String(),
			"attempt", attempt,
		)

		out, err := s.settle(ctx, next, now)
		if err != nil {
			return nil, err
		}
		if out.WinnerID != req.BuyerID {
			// The buyer's funds vanished between the check and the debit.
			return out, fmt.Errorf("%w: buyer %s could not be debited", ErrInsufficientFunds, req.BuyerID)
		}
		return out, nil
	}
}
