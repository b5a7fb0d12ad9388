// Package auction is the bidding and settlement engine: bid validation,
// version-guarded price advancement, anti-sniping extension, buy-now,
// cancellation, and idempotent closing with fund settlement.
//
// The Service keeps no in-process auction state. Every decision is a
// read followed by a store.Commit guarded by the auction's version; losers
// re-read and re-validate a bounded number of times.
//
// All monetary values use shopspring/decimal, never float64.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/itemref"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// Ledger is the wallet gateway. Debit and Credit are idempotent per ref and
// return ledger.ErrInsufficientBalance / ledger.ErrReferenceMismatch.
type Ledger interface {
	CheckAvailable(ctx context.Context, account string, amount decimal.Decimal) (bool, error)
	Debit(ctx context.Context, account string, amount decimal.Decimal, ref string) (string, error)
	Credit(ctx context.Context, account string, amount decimal.Decimal, ref string) (string, error)
}

// Subscriptions answers eligibility for subscriber-only auctions.
type Subscriptions interface {
	IsSubscriber(ctx context.Context, userID, creatorID string) (bool, error)
}

// AccessGranter hands the auctioned item to the winner. Must be idempotent.
type AccessGranter interface {
	GrantAccess(ctx context.Context, userID, itemRef string) error
}

// Notifier receives events for watchers. Publish must not block.
type Notifier interface {
	Publish(evt model.Event)
}

// Config tunes the engine.
type Config struct {
	// CommissionPercent of the final price is retained by the platform.
	CommissionPercent decimal.Decimal

	// MaxAttempts bounds optimistic retries per operation.
	MaxAttempts int

	// ClaimLease is how long a settlement claim blocks other closers.
	ClaimLease time.Duration

	// SettlementTimeout bounds one settlement's collaborator calls.
	SettlementTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CommissionPercent: decimal.NewFromInt(10),
		MaxAttempts:       5,
		ClaimLease:        2 * time.Minute,
		SettlementTimeout: 30 * time.Second,
	}
}

// Service runs auction operations against a Store.
type Service struct {
	store    store.Store
	ledger   Ledger
	subs     Subscriptions
	access   AccessGranter
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
}

// NewService creates a new auction service.
// Pass nil for notifier if events are not needed.
func NewService(st store.Store, ledger Ledger, subs Subscriptions, access AccessGranter, notifier Notifier, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = def.SettlementTimeout
	}
	return &Service{
		store:    st,
		ledger:   ledger,
		subs:     subs,
		access:   access,
		notifier: notifier,
		cfg:      cfg,
		logger:   slog.Default().With("component", "auction"),
	}
}

// CreateRequest describes a new auction.
type CreateRequest struct {
	CreatorID               string
	ItemRef                 string
	Title                   string
	InitialPrice            decimal.Decimal
	MinIncrement            decimal.Decimal
	BuyNowPrice             *decimal.Decimal
	StartAt                 time.Time
	EndAt                   time.Time
	ExtensionEnabled        bool
	ExtensionWindow         time.Duration
	EndAtCeiling            *time.Time
	MaxExtensions           int
	RestrictedToSubscribers bool
}

func (r *CreateRequest) validate() error {
	switch {
	case r.CreatorID == "":
		return fmt.Errorf("%w: creator_id is required", ErrInvalidAuction)
	case r.InitialPrice.IsNegative():
		return fmt.Errorf("%w: initial price must not be negative", ErrInvalidAuction)
	case !r.MinIncrement.IsPositive():
		return fmt.Errorf("%w: min increment must be positive", ErrInvalidAuction)
	case r.BuyNowPrice != nil && !r.BuyNowPrice.GreaterThan(r.InitialPrice):
		return fmt.Errorf("%w: buy-now price must exceed initial price", ErrInvalidAuction)
	case !r.EndAt.After(r.StartAt):
		return fmt.Errorf("%w: end must be after start", ErrInvalidAuction)
	case r.ExtensionWindow < 0:
		return fmt.Errorf("%w: extension window must not be negative", ErrInvalidAuction)
	case r.ExtensionEnabled && r.ExtensionWindow == 0:
		return fmt.Errorf("%w: extension enabled without a window", ErrInvalidAuction)
	case r.EndAtCeiling != nil && r.EndAtCeiling.Before(r.EndAt):
		return fmt.Errorf("%w: end ceiling before end", ErrInvalidAuction)
	case r.MaxExtensions < 0:
		return fmt.Errorf("%w: max extensions must not be negative", ErrInvalidAuction)
	}
	if _, err := itemref.Parse(r.ItemRef); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuction, err)
	}
	return nil
}

// CreateAuction validates and stores a new auction. It starts in Draft, or
// Active when its start time has already passed.
func (s *Service) CreateAuction(ctx context.Context, req CreateRequest, now time.Time) (*model.Auction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	state := model.StateDraft
	if !now.Before(req.StartAt) {
		state = model.StateActive
	}

	a := &model.Auction{
		ID:                      uuid.New().String(),
		CreatorID:               req.CreatorID,
		ItemRef:                 req.ItemRef,
		Title:                   req.Title,
		InitialPrice:            req.InitialPrice,
		CurrentPrice:            req.InitialPrice,
		MinIncrement:            req.MinIncrement,
		BuyNowPrice:             req.BuyNowPrice,
		StartAt:                 req.StartAt.UTC(),
		EndAt:                   req.EndAt.UTC(),
		ExtensionEnabled:        req.ExtensionEnabled,
		ExtensionWindow:         req.ExtensionWindow,
		EndAtCeiling:            req.EndAtCeiling,
		MaxExtensions:           req.MaxExtensions,
		RestrictedToSubscribers: req.RestrictedToSubscribers,
		State:                   state,
		Version:                 1,
		CreatedAt:               now.UTC(),
	}
	if err := s.store.CreateAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("create auction: %w", err)
	}

	s.logger.Info("auction created",
		"auction_id", a.ID,
		"creator_id", a.CreatorID,
		"item_ref", a.ItemRef,
		"state", a.State,
		"initial_price", a.InitialPrice.String(),
		"end_at", a.EndAt,
	)
	return a, nil
}

// GetAuction returns the current auction state.
func (s *Service) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	return s.load(ctx, id)
}

// ListAuctions returns listing summaries, optionally filtered by state.
func (s *Service) ListAuctions(ctx context.Context, state model.State) ([]model.Summary, error) {
	return s.store.ListAuctions(ctx, state)
}

// AuctionBids returns the bid history of one auction.
func (s *Service) AuctionBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := s.load(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.store.GetBidsByAuction(ctx, auctionID)
}

// BidderBids returns a bidder's own bid history.
func (s *Service) BidderBids(ctx context.Context, bidderID string) ([]model.Bid, error) {
	return s.store.GetBidsByBidder(ctx, bidderID)
}

// Outcome returns the recorded result of an auction. An auction that has
// not ended yields only its current state.
func (s *Service) Outcome(ctx context.Context, auctionID string) (*model.Outcome, error) {
	a, err := s.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return s.recordedOutcome(ctx, a)
}

// ActivateDue moves draft auctions whose start time has passed to Active.
// Returns how many were activated.
func (s *Service) ActivateDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListDueForStart(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due drafts: %w", err)
	}

	activated := 0
	for i := range due {
		next := due[i].Clone()
		next.State = model.StateActive
		err := s.store.Commit(ctx, store.Commit{Auction: next, ExpectedVersion: due[i].Version})
		if errors.Is(err, store.ErrVersionConflict) {
			// Someone else (a bid, another sweeper) already moved it.
			continue
		}
		if err != nil {
			return activated, fmt.Errorf("activate %s: %w", next.ID, err)
		}
		activated++
		s.logger.Info("auction activated", "auction_id", next.ID)
	}
	return activated, nil
}

func (s *Service) recordedOutcome(ctx context.Context, a *model.Auction) (*model.Outcome, error) {
	out := &model.Outcome{
		AuctionID:  a.ID,
		State:      a.State,
		WinnerID:   a.WinnerID,
		FinalPrice: a.FinalPrice,
		EndedAt:    a.EndedAt,
	}
	if a.WinnerID != "" {
		st, err := s.store.GetSettlement(ctx, a.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load settlement: %w", err)
		}
		out.Settlement = st
	}
	return out, nil
}

func (s *Service) publish(evt model.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(evt)
}

// conflict reports whether err is a lost version race.
func conflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}

func (s *Service) load(ctx context.Context, id string) (*model.Auction, error) {
	a, err := s.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAuctionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load auction %s: %w", id, err)
	}
	return a, nil
}
