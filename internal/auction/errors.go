package auction

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors: client-fixable, never retried automatically.
var (
	ErrAuctionNotFound      = errors.New("auction: not found")
	ErrAuctionNotActive     = errors.New("auction: not active")
	ErrAuctionExpired       = errors.New("auction: expired")
	ErrSelfBidNotAllowed    = errors.New("auction: creator cannot bid on own auction")
	ErrNotEligible          = errors.New("auction: bidder is not a subscriber of the creator")
	ErrBidTooLow            = errors.New("auction: bid below minimum increment")
	ErrAlreadyHighestBidder = errors.New("auction: bidder already holds the highest bid")
	ErrCannotCancelWithBids = errors.New("auction: cannot cancel an auction that has bids")
	ErrAuctionPriceChanged  = errors.New("auction: current price moved past the buy-now price")
	ErrNotCreator           = errors.New("auction: only the creator may do this")
	ErrBuyNowUnavailable    = errors.New("auction: buy-now is not offered")
	ErrAuctionNotExpired    = errors.New("auction: end time not reached")
	ErrInvalidAuction       = errors.New("auction: invalid auction parameters")
)

// Resource errors.
var (
	ErrInsufficientFunds = errors.New("auction: insufficient available balance")
)

// Transient errors.
var (
	ErrConcurrentModification = errors.New("auction: concurrent modification, retry")
	ErrSettlementInProgress   = errors.New("auction: settlement in progress")
)

// ErrSettlementFailed means funds could not be confirmed; the auction stays
// active and closing will be retried.
var ErrSettlementFailed = errors.New("auction: settlement failed")

// BidTooLowError carries the minimum acceptable amount so the caller can
// retry with it.
type BidTooLowError struct {
	Amount  decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("%s: bid %s, minimum next bid %s", ErrBidTooLow, e.Amount, e.Minimum)
}

func (e *BidTooLowError) Unwrap() error { return ErrBidTooLow }

// Reason maps an error to a short metric/log label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuctionNotFound):
		return "not_found"
	case errors.Is(err, ErrAuctionNotActive):
		return "not_active"
	case errors.Is(err, ErrAuctionExpired):
		return "expired"
	case errors.Is(err, ErrSelfBidNotAllowed):
		return "self_bid"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrBidTooLow):
		return "too_low"
	case errors.Is(err, ErrAlreadyHighestBidder):
		return "already_highest"
	case errors.Is(err, ErrAuctionPriceChanged):
		return "price_changed"
	case errors.Is(err, ErrBuyNowUnavailable):
		return "buy_now_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrSettlementInProgress):
		return "settlement_in_progress"
	case errors.Is(err, ErrSettlementFailed):
		return "settlement_failed"
	case errors.Is(err, ErrCannotCancelWithBids):
		return "has_bids"
	case errors.Is(err, ErrNotCreator):
		return "not_creator"
	case errors.Is(err, ErrAuctionNotExpired):
		return "not_expired"
	case errors.Is(err, ErrInvalidAuction):
		return "invalid"
	default:
		return "internal"
	}
}
