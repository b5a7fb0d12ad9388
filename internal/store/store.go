// Package store defines the persistence interface for the auction engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/auction-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested auction or settlement
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by Commit when the auction's version
	// moved since the caller read it.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrAlreadyExists is returned when creating an auction whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Commit is one guarded read-modify-write against a single auction.
// Everything in it is applied atomically or not at all.
type Commit struct {
	// Auction is the new auction state. On success the store sets its
	// Version to ExpectedVersion+1.
	Auction *model.Auction

	// ExpectedVersion is the version the caller based its changes on.
	ExpectedVersion int64

	// Bid, when set, is appended to the auction's bid history.
	Bid *model.Bid

	// Settlement, when set, is recorded for the auction.
	Settlement *model.Settlement
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Auction operations ---

	// CreateAuction persists a new auction.
	CreateAuction(ctx context.Context, a *model.Auction) error

	// GetAuction retrieves an auction by its ID.
	GetAuction(ctx context.Context, id string) (*model.Auction, error)

	// ListAuctions returns summaries, optionally filtered by state ("" = all).
	ListAuctions(ctx context.Context, state model.State) ([]model.Summary, error)

	// ListExpired returns active auctions whose end time is at or before now,
	// ordered by Auction.SweepOrder so claimed or failing auctions cannot
	// crowd fresh expiries out of a batch.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Auction, error)

	// ListDueForStart returns draft auctions whose start time has passed.
	ListDueForStart(ctx context.Context, now time.Time, limit int) ([]model.Auction, error)

	// Commit applies a version-guarded write. Returns ErrVersionConflict if
	// the stored version differs from c.ExpectedVersion.
	Commit(ctx context.Context, c Commit) error

	// --- Immutable bid history ---

	// GetBidsByAuction returns all bids for an auction in acceptance order.
	GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error)

	// GetBidsByBidder returns all bids placed by one bidder.
	GetBidsByBidder(ctx context.Context, bidderID string) ([]model.Bid, error)

	// --- Settlements ---

	// GetSettlement returns the settlement for an auction, or ErrNotFound.
	GetSettlement(ctx context.Context, auctionID string) (*model.Settlement, error)
}
