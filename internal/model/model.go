// Package model defines the core domain types shared across the auction engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of an auction.
type State string

const (
	StateDraft     State = "draft"
	StateActive    State = "active"
	StateEnded     State = "ended"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateCancelled
}

// ParseState validates a state string from an external source.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateDraft, StateActive, StateEnded, StateCancelled:
		return State(s), true
	}
	return "", false
}

// Bid kinds.
const (
	BidKindRegular = "bid"
	BidKindBuyNow  = "buy_now"
)

// Auction is the mutable, version-guarded state of one auction. Every
// state-affecting write increments Version; writers that read an older
// version lose.
type Auction struct {
	ID        string `json:"id" db:"id"`
	CreatorID string `json:"creator_id" db:"creator_id"`
	ItemRef   string `json:"item_ref" db:"item_ref"`
	Title     string `json:"title" db:"title"`

	InitialPrice decimal.Decimal  `json:"initial_price" db:"initial_price"`
	CurrentPrice decimal.Decimal  `json:"current_price" db:"current_price"` // highest accepted bid, never lowered
	MinIncrement decimal.Decimal  `json:"min_increment" db:"min_increment"`
	BuyNowPrice  *decimal.Decimal `json:"buy_now_price,omitempty" db:"buy_now_price"`

	StartAt          time.Time     `json:"start_at" db:"start_at"`
	EndAt            time.Time     `json:"end_at" db:"end_at"`
	ExtensionEnabled bool          `json:"extension_enabled" db:"extension_enabled"`
	ExtensionWindow  time.Duration `json:"extension_window" db:"extension_window"`
	EndAtCeiling     *time.Time    `json:"end_at_ceiling,omitempty" db:"end_at_ceiling"`
	MaxExtensions    int           `json:"max_extensions" db:"max_extensions"` // 0 = unbounded
	Extensions       int           `json:"extensions" db:"extensions"`

	RestrictedToSubscribers bool `json:"restricted_to_subscribers" db:"restricted_to_subscribers"`

	State           State            `json:"state" db:"state"`
	HighestBidderID string           `json:"highest_bidder_id,omitempty" db:"highest_bidder_id"`
	BidCount        int64            `json:"bid_count" db:"bid_count"`
	WinnerID        string           `json:"winner_id,omitempty" db:"winner_id"`
	FinalPrice      *decimal.Decimal `json:"final_price,omitempty" db:"final_price"`

	// ClosingAt is set while a closer holds the settlement claim.
	ClosingAt *time.Time `json:"closing_at,omitempty" db:"closing_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	// SettleFailedAt is the time of the last failed settlement attempt.
	SettleFailedAt *time.Time `json:"settle_failed_at,omitempty" db:"settle_failed_at"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// MinNextBid is the smallest amount the next bid may carry.
func (a *Auction) MinNextBid() decimal.Decimal {
	return a.CurrentPrice.Add(a.MinIncrement)
}

// Clone returns a deep copy so callers can mutate a working copy without
// touching stored state.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.BuyNowPrice != nil {
		v := *a.BuyNowPrice
		c.BuyNowPrice = &v
	}
	if a.FinalPrice != nil {
		v := *a.FinalPrice
		c.FinalPrice = &v
	}
	c.EndAtCeiling = cloneTime(a.EndAtCeiling)
	c.ClosingAt = cloneTime(a.ClosingAt)
	c.EndedAt = cloneTime(a.EndedAt)
	c.SettleFailedAt = cloneTime(a.SettleFailedAt)
	return &c
}

// SweepOrder is the key expired auctions are listed by: a held claim or a
// failed attempt moves the auction behind fresh expiries.
func (a *Auction) SweepOrder() time.Time {
	switch {
	case a.ClosingAt != nil:
		return *a.ClosingAt
	case a.SettleFailedAt != nil:
		return *a.SettleFailedAt
	default:
		return a.EndAt
	}
}

// Summary is the read-only projection used by listing pages.
func (a *Auction) Summary() Summary {
	return Summary{
		ID:           a.ID,
		Title:        a.Title,
		CurrentPrice: a.CurrentPrice,
		BidCount:     a.BidCount,
		EndAt:        a.EndAt,
		State:        a.State,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Summary is exposed to listing/search pages.
type Summary struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	BidCount     int64           `json:"bid_count"`
	EndAt        time.Time       `json:"end_at"`
	State        State           `json:"state"`
}

// Bid is an immutable audit record of an accepted bid.
// Once created, bids are never modified or deleted.
type Bid struct {
	ID          string          `json:"id" db:"id"`
	AuctionID   string          `json:"auction_id" db:"auction_id"`
	BidderID    string          `json:"bidder_id" db:"bidder_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Kind        string          `json:"kind" db:"kind"`
	Seq         int64           `json:"seq" db:"seq"` // bid count after acceptance
	Origin      string          `json:"origin,omitempty" db:"origin"`
	SubmittedAt time.Time       `json:"submitted_at" db:"submitted_at"`
}

// Settlement records the debit/credit pair that moved funds for an
// auction. At most one exists per auction.
type Settlement struct {
	ID              string          `json:"id" db:"id"`
	AuctionID       string          `json:"auction_id" db:"auction_id"`
	WinnerID        string          `json:"winner_id" db:"winner_id"`
	CreatorID       string          `json:"creator_id" db:"creator_id"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Commission      decimal.Decimal `json:"commission" db:"commission"`
	CreatorProceeds decimal.Decimal `json:"creator_proceeds" db:"creator_proceeds"`
	DebitTxnID      string          `json:"debit_txn_id" db:"debit_txn_id"`
	CreditTxnID     string          `json:"credit_txn_id" db:"credit_txn_id"`
	SettledAt       time.Time       `json:"settled_at" db:"settled_at"`
}

// Outcome is the recorded terminal result of an auction.
type Outcome struct {
	AuctionID  string           `json:"auction_id"`
	State      State            `json:"state"`
	WinnerID   string           `json:"winner_id,omitempty"`
	FinalPrice *decimal.Decimal `json:"final_price,omitempty"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
	Settlement *Settlement      `json:"settlement,omitempty"`
}

// Event types emitted to the notification gateway.
const (
	EventBidAccepted      = "bid_accepted"
	EventAuctionEnded     = "auction_ended"
	EventAuctionCancelled = "auction_cancelled"
)

// Event is a best-effort notification for watchers of an auction.
type Event struct {
	Type       string           `json:"type"`
	AuctionID  string           `json:"auction_id"`
	Price      decimal.Decimal  `json:"price"`
	BidCount   int64            `json:"bid_count"`
	EndAt      time.Time        `json:"end_at"`
	WinnerID   string           `json:"winner_id,omitempty"`
	FinalPrice *decimal.Decimal `json:"final_price,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
