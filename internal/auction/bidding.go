package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// BidRequest is one bid submission.
type BidRequest struct {
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
	Origin    string // source address, kept for audit
	Now       time.Time
}

// BidResult is returned for an accepted bid.
type BidResult struct {
	Bid      model.Bid     `json:"bid"`
	Auction  model.Auction `json:"auction"`
	Extended bool          `json:"extended"`
}

// PlaceBid validates a bid and commits the new price in one version-guarded
// write. A lost version race re-reads the auction and re-validates.
func (s *Service) PlaceBid(ctx context.Context, req BidRequest) (*BidResult, error) {
	start := time.Now()
	res, err := s.placeBid(ctx, req)
	metrics.BidLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BidsTotal.WithLabelValues(Reason(err)).Inc()
		return nil, err
	}
	metrics.BidsTotal.WithLabelValues("accepted").Inc()
	return res, nil
}

func (s *Service) placeBid(ctx context.Context, req BidRequest) (*BidResult, error) {
	now := req.Now.UTC()

	// Eligibility and solvency do not depend on the auction's mutable
	// fields, so they are checked once and reused across retries.
	var eligible, solvent bool

	for attempt := 1; ; attempt++ {
		a, err := s.load(ctx, req.AuctionID)
		if err != nil {
			return nil, err
		}

		if err := checkBiddable(a, req.BidderID, now); err != nil {
			return nil, err
		}
		if !eligible {
			if err := s.checkEligible(ctx, a, req.BidderID); err != nil {
				return nil, err
			}
			eligible = true
		}
		if minBid := a.MinNextBid(); req.Amount.LessThan(minBid) {
			return nil, &BidTooLowError{Amount: req.Amount, Minimum: minBid}
		}
		if a.HighestBidderID == req.BidderID {
			return nil, ErrAlreadyHighestBidder
		}
		if !solvent {
			if err := s.checkSolvent(ctx, req.BidderID, req.Amount); err != nil {
				return nil, err
			}
			solvent = true
		}

		next := a.Clone()
		if next.State == model.StateDraft {
			next.State = model.StateActive
		}
		next.CurrentPrice = req.Amount
		next.HighestBidderID = req.BidderID
		next.BidCount++
		newEnd, extended := ExtendedEnd(a, now)
		if extended {
			next.EndAt = newEnd
			next.Extensions++
		}

		bid := &model.Bid{
			ID:          uuid.New().String(),
			AuctionID:   a.ID,
			BidderID:    req.BidderID,
			Amount:      req.Amount,
			Kind:        model.BidKindRegular,
			Seq:         next.BidCount,
			Origin:      req.Origin,
			SubmittedAt: now,
		}

		err = s.store.Commit(ctx, store.Commit{Auction: next, ExpectedVersion: a.Version, Bid: bid})
		if conflict(err) {
			metrics.VersionConflicts.WithLabelValues("bid").Inc()
			if attempt >= s.cfg.MaxAttempts {
				return nil, fmt.Errorf("%w: bid on %s after %d attempts", ErrConcurrentModification, a.ID, attempt)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit bid: %w", err)
		}

		if extended {
			metrics.Extensions.Inc()
		}
		s.logger.Info("bid accepted",
			"auction_id", a.ID,
			"bidder_id", req.BidderID,
			"amount", req.Amount.String(),
			"bid_count", next.BidCount,
			"end_at", next.EndAt,
			"extended", extended,
			"attempt", attempt,
		)

		// Outside the write: a dropped event never undoes the bid.
		s.publish(model.Event{
			Type:      model.EventBidAccepted,
			AuctionID: a.ID,
			Price:     next.CurrentPrice,
			BidCount:  next.BidCount,
			EndAt:     next.EndAt,
			Timestamp: now,
		})

		return &BidResult{Bid: *bid, Auction: *next, Extended: extended}, nil
	}
}

// checkBiddable validates lifecycle, timing and ownership for a bid or buy-now.
func checkBiddable(a *model.Auction, bidderID string, now time.Time) error {
	switch a.State {
	case model.StateActive:
	case model.StateDraft:
		if now.Before(a.StartAt) {
			return fmt.Errorf("%w: starts at %s", ErrAuctionNotActive, a.StartAt.Format(time.RFC3339))
		}
	case model.StateEnded:
		return ErrAuctionExpired
	default:
		return ErrAuctionNotActive
	}
	if a.ClosingAt != nil || !now.Before(a.EndAt) {
		return ErrAuctionExpired
	}
	if bidderID == a.CreatorID {
		return ErrSelfBidNotAllowed
	}
	return nil
}

func (s *Service) checkEligible(ctx context.Context, a *model.Auction, userID string) error {
	if !a.RestrictedToSubscribers {
		return nil
	}
	if s.subs == nil {
		return ErrNotEligible
	}
	ok, err := s.subs.IsSubscriber(ctx, userID, a.CreatorID)
	if err != nil {
		return fmt.Errorf("subscription check: %w", err)
	}
	if !ok {
		return ErrNotEligible
	}
	return nil
}

// checkSolvent asks the ledger whether the bidder can cover amount. Errors,
// including timeouts, abort the operation.
func (s *Service) checkSolvent(ctx context.Context, bidderID string, amount decimal.Decimal) error {
	ok, err := s.ledger.CheckAvailable(ctx, bidderID, amount)
	if err != nil {
		return fmt.Errorf("solvency check: %w", err)
	}
	if !ok {
		return ErrInsufficientFunds
	}
	return nil
}

// ExtendedEnd applies the anti-sniping rule for a bid accepted at now. When
// fewer than ExtensionWindow remain, the end moves to now+ExtensionWindow,
// capped at EndAtCeiling and limited to MaxExtensions (0 = unbounded). The
// end never moves earlier.
func ExtendedEnd(a *model.Auction, now time.Time) (time.Time, bool) {
	if !a.ExtensionEnabled || a.ExtensionWindow <= 0 {
		return a.EndAt, false
	}
	if a.EndAt.Sub(now) >= a.ExtensionWindow {
		return a.EndAt, false
	}
	if a.MaxExtensions > 0 && a.Extensions >= a.MaxExtensions {
		return a.EndAt, false
	}
	end := now.Add(a.ExtensionWindow)
	if a.EndAtCeiling != nil && end.After(*a.EndAtCeiling) {
		end = *a.EndAtCeiling
	}
	if !end.After(a.EndAt) {
		return a.EndAt, false
	}
	return end, true
}
