package auction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/ledger"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// claimReleaseTimeout bounds the write that hands a failed claim back.
const claimReleaseTimeout = 5 * time.Second

// CloseAuction ends an active auction whose end time has passed and settles
// it. It is idempotent: once the auction has ended every call returns the
// same recorded outcome without moving funds again.
func (s *Service) CloseAuction(ctx context.Context, auctionID string, now time.Time) (*model.Outcome, error) {
	return s.close(ctx, auctionID, now.UTC(), false)
}

// ForceClose ends an active auction immediately, before its end time.
func (s *Service) ForceClose(ctx context.Context, auctionID string, now time.Time) (*model.Outcome, error) {
	return s.close(ctx, auctionID, now.UTC(), true)
}

func (s *Service) close(ctx context.Context, auctionID string, now time.Time, force bool) (*model.Outcome, error) {
	for attempt := 1; ; attempt++ {
		a, err := s.load(ctx, auctionID)
		if err != nil {
			return nil, err
		}

		switch a.State {
		case model.StateEnded, model.StateCancelled:
			return s.recordedOutcome(ctx, a)
		case model.StateDraft:
			return nil, ErrAuctionNotActive
		}
		if a.EndAt.After(now) && !force {
			return nil, fmt.Errorf("%w: ends at %s", ErrAuctionNotExpired, a.EndAt.Format(time.RFC3339))
		}
		if a.ClosingAt != nil && now.Sub(*a.ClosingAt) < s.cfg.ClaimLease {
			return nil, ErrSettlementInProgress
		}

		// Claim: after this write no bid can commit against the auction.
		claimed := a.Clone()
		claimed.ClosingAt = &now
		if claimed.EndAt.After(now) {
			claimed.EndAt = now
		}
		err = s.store.Commit(ctx, store.Commit{Auction: claimed, ExpectedVersion: a.Version})
		if conflict(err) {
			metrics.VersionConflicts.WithLabelValues("close").Inc()
			if attempt >= s.cfg.MaxAttempts {
				return nil, fmt.Errorf("%w: close %s after %d attempts", ErrConcurrentModification, a.ID, attempt)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim auction %s: %w", a.ID, err)
		}
		if a.ClosingAt != nil {
			s.logger.Warn("took over stale settlement claim",
				"auction_id", a.ID,
				"previous_claim", *a.ClosingAt,
			)
		}

		return s.settle(ctx, claimed, now)
	}
}

// settle moves funds for a claimed auction and records the outcome. Funds
// move before the auction is marked Ended; on failure the claim is released
// and the auction stays Active for a later retry.
func (s *Service) settle(ctx context.Context, claimed *model.Auction, now time.Time) (*model.Outcome, error) {
	// Settlement is not cancellable by the caller once funds may move.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SettlementTimeout)
	defer cancel()

	bids, err := s.store.GetBidsByAuction(ctx, claimed.ID)
	if err != nil {
		return nil, s.fail(ctx, claimed, now, fmt.Errorf("load bids: %w", err))
	}

	var (
		winner   *model.Bid
		debitTxn string
		skipped  int
	)
	for _, cand := range rankCandidates(bids) {
		txn, err := s.ledger.Debit(ctx, cand.BidderID, cand.Amount, debitRef(claimed.ID))
		if errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrReferenceMismatch) {
			s.logger.Info("settlement candidate skipped",
				"auction_id", claimed.ID,
				"bidder_id", cand.BidderID,
				"amount", cand.Amount.String(),
				"reason", err.Error(),
			)
			skipped++
			continue
		}
		if err != nil {
			return nil, s.fail(ctx, claimed, now, fmt.Errorf("debit %s: %w", cand.BidderID, err))
		}
		c := cand
		winner = &c
		debitTxn = txn
		break
	}

	final := claimed.Clone()
	final.State = model.StateEnded
	final.ClosingAt = nil
	final.EndedAt = &now

	var settlement *model.Settlement
	if winner != nil {
		commission := winner.Amount.Mul(s.cfg.CommissionPercent).Div(hundred).Round(2)
		proceeds := winner.Amount.Sub(commission)

		creditTxn := ""
		if proceeds.IsPositive() {
			creditTxn, err = s.ledger.Credit(ctx, claimed.CreatorID, proceeds, creditRef(claimed.ID))
			if err != nil {
				return nil, s.fail(ctx, claimed, now, fmt.Errorf("credit creator %s: %w", claimed.CreatorID, err))
			}
		}

		// Access only after funds have moved.
		if s.access != nil {
			if err := s.access.GrantAccess(ctx, winner.BidderID, claimed.ItemRef); err != nil {
				return nil, s.fail(ctx, claimed, now, fmt.Errorf("grant access: %w", err))
			}
		}

		price := winner.Amount
		final.WinnerID = winner.BidderID
		final.FinalPrice = &price
		settlement = &model.Settlement{
			ID:              uuid.New().String(),
			AuctionID:       claimed.ID,
			WinnerID:        winner.BidderID,
			CreatorID:       claimed.CreatorID,
			Price:           price,
			Commission:      commission,
			CreatorProceeds: proceeds,
			DebitTxnID:      debitTxn,
			CreditTxnID:     creditTxn,
			SettledAt:       now,
		}
	}

	err = s.store.Commit(ctx, store.Commit{Auction: final, ExpectedVersion: claimed.Version, Settlement: settlement})
	if conflict(err) || errors.Is(err, store.ErrAlreadyExists) {
		// Our claim was taken over; whoever holds it records the outcome.
		current, lerr := s.load(ctx, claimed.ID)
		if lerr == nil && current.State == model.StateEnded {
			return s.recordedOutcome(ctx, current)
		}
		metrics.SettlementFailures.Inc()
		return nil, fmt.Errorf("%w: finalize %s: %w", ErrSettlementFailed, claimed.ID, err)
	}
	if err != nil {
		return nil, s.fail(ctx, claimed, now, fmt.Errorf("finalize: %w", err))
	}

	outcome := "no_winner"
	switch {
	case winner != nil && skipped == 0:
		outcome = "winner"
	case winner != nil:
		outcome = "fallback_winner"
	}
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	s.logger.Info("auction closed",
		"auction_id", final.ID,
		"outcome", outcome,
		"winner_id", final.WinnerID,
		"final_price", priceString(final.FinalPrice),
		"bid_count", final.BidCount,
	)

	s.publish(model.Event{
		Type:       model.EventAuctionEnded,
		AuctionID:  final.ID,
		Price:      final.CurrentPrice,
		BidCount:   final.BidCount,
		EndAt:      final.EndAt,
		WinnerID:   final.WinnerID,
		FinalPrice: final.FinalPrice,
		Timestamp:  now,
	})

	return &model.Outcome{
		AuctionID:  final.ID,
		State:      final.State,
		WinnerID:   final.WinnerID,
		FinalPrice: final.FinalPrice,
		EndedAt:    final.EndedAt,
		Settlement: settlement,
	}, nil
}

// fail releases the settlement claim so the sweeper can retry, and wraps
// cause as ErrSettlementFailed. The release gets its own deadline: the
// settlement context has usually expired when the ledger timed out.
func (s *Service) fail(ctx context.Context, claimed *model.Auction, now time.Time, cause error) error {
	metrics.SettlementFailures.Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), claimReleaseTimeout)
	defer cancel()

	released := claimed.Clone()
	released.ClosingAt = nil
	released.SettleFailedAt = &now
	if err := s.store.Commit(ctx, store.Commit{Auction: released, ExpectedVersion: claimed.Version}); err != nil {
		s.logger.Error("release settlement claim failed",
			"auction_id", claimed.ID,
			"err", err,
		)
	}

	s.logger.Error("settlement failed",
		"auction_id", claimed.ID,
		"err", cause,
	)
	return fmt.Errorf("%w: %s: %w", ErrSettlementFailed, claimed.ID, cause)
}

// rankCandidates returns each bidder's highest bid, best first. Ties go to
// the earlier bid.
func rankCandidates(bids []model.Bid) []model.Bid {
	best := make(map[string]model.Bid, len(bids))
	for _, b := range bids {
		if cur, ok := best[b.BidderID]; !ok || b.Amount.GreaterThan(cur.Amount) {
			best[b.BidderID] = b
		}
	}
	ranked := make([]model.Bid, 0, len(best))
	for _, b := range best {
		ranked = append(ranked, b)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if !ranked[i].Amount.Equal(ranked[j].Amount) {
			return ranked[i].Amount.GreaterThan(ranked[j].Amount)
		}
		return ranked[i].Seq < ranked[j].Seq
	})
	return ranked
}

func debitRef(auctionID string) string  { return "auction:" + auctionID + ":debit" }
func creditRef(auctionID string) string { return "auction:" + auctionID + ":credit" }

func priceString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
