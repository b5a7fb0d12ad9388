package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Concurrency control is optimistic: every write is an UPDATE guarded by
// the version column inside one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id                        TEXT PRIMARY KEY,
	creator_id                TEXT NOT NULL,
	item_ref                  TEXT NOT NULL,
	title                     TEXT NOT NULL DEFAULT '',
	initial_price             NUMERIC NOT NULL,
	current_price             NUMERIC NOT NULL,
	min_increment             NUMERIC NOT NULL,
	buy_now_price             NUMERIC,
	start_at                  TIMESTAMPTZ NOT NULL,
	end_at                    TIMESTAMPTZ NOT NULL,
	extension_enabled         BOOLEAN NOT NULL DEFAULT FALSE,
	extension_window_ms       BIGINT NOT NULL DEFAULT 0,
	end_at_ceiling            TIMESTAMPTZ,
	max_extensions            INTEGER NOT NULL DEFAULT 0,
	extensions                INTEGER NOT NULL DEFAULT 0,
	restricted_to_subscribers BOOLEAN NOT NULL DEFAULT FALSE,
	state                     TEXT NOT NULL,
	highest_bidder_id         TEXT NOT NULL DEFAULT '',
	bid_count                 BIGINT NOT NULL DEFAULT 0,
	winner_id                 TEXT NOT NULL DEFAULT '',
	final_price               NUMERIC,
	closing_at                TIMESTAMPTZ,
	ended_at                  TIMESTAMPTZ,
	settle_failed_at          TIMESTAMPTZ,
	version                   BIGINT NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL
);

ALTER TABLE auctions ADD COLUMN IF NOT EXISTS settle_failed_at TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS idx_auctions_state_end ON auctions(state, end_at);
CREATE INDEX IF NOT EXISTS idx_auctions_state_start ON auctions(state, start_at);

CREATE TABLE IF NOT EXISTS bids (
	id           TEXT PRIMARY KEY,
	auction_id   TEXT NOT NULL REFERENCES auctions(id),
	bidder_id    TEXT NOT NULL,
	amount       NUMERIC NOT NULL,
	kind         TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	origin       TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	UNIQUE (auction_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder_id, submitted_at);

CREATE TABLE IF NOT EXISTS settlements (
	id               TEXT PRIMARY KEY,
	auction_id       TEXT NOT NULL UNIQUE REFERENCES auctions(id),
	winner_id        TEXT NOT NULL,
	creator_id       TEXT NOT NULL,
	price            NUMERIC NOT NULL,
	commission       NUMERIC NOT NULL,
	creator_proceeds NUMERIC NOT NULL,
	debit_txn_id     TEXT NOT NULL,
	credit_txn_id    TEXT NOT NULL,
	settled_at       TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const auctionColumns = `id, creator_id, item_ref, title,
	initial_price::TEXT, current_price::TEXT, min_increment::TEXT, buy_now_price::TEXT,
	start_at, end_at, extension_enabled, extension_window_ms, end_at_ceiling,
	max_extensions, extensions, restricted_to_subscribers,
	state, highest_bidder_id, bid_count, winner_id, final_price::TEXT,
	closing_at, ended_at, settle_failed_at, version, created_at`

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, creator_id, item_ref, title,
			initial_price, current_price, min_increment, buy_now_price,
			start_at, end_at, extension_enabled, extension_window_ms, end_at_ceiling,
			max_extensions, extensions, restricted_to_subscribers,
			state, highest_bidder_id, bid_count, winner_id, final_price,
			closing_at, ended_at, settle_failed_at, version, created_at)
		 VALUES ($1, $2, $3, $4,
			$5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			$9, $10, $11, $12, $13,
			$14, $15, $16,
			$17, $18, $19, $20, $21::NUMERIC,
			$22, $23, $24, $25, $26)`,
		a.ID, a.CreatorID, a.ItemRef, a.Title,
		a.InitialPrice.String(), a.CurrentPrice.String(), a.MinIncrement.String(), decimalPtr(a.BuyNowPrice),
		a.StartAt, a.EndAt, a.ExtensionEnabled, a.ExtensionWindow.Milliseconds(), a.EndAtCeiling,
		a.MaxExtensions, a.Extensions, a.RestrictedToSubscribers,
		string(a.State), a.HighestBidderID, a.BidCount, a.WinnerID, decimalPtr(a.FinalPrice),
		a.ClosingAt, a.EndedAt, a.SettleFailedAt, a.Version, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("auction %s: %w", a.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	a, err := scanAuction(s.pool.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAuctions(ctx context.Context, state model.State) ([]model.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, current_price::TEXT, bid_count, end_at, state
		 FROM auctions
		 WHERE $1 = '' OR state = $1
		 ORDER BY end_at`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []model.Summary
	for rows.Next() {
		var sm model.Summary
		var priceS, stateS string
		if err := rows.Scan(&sm.ID, &sm.Title, &priceS, &sm.BidCount, &sm.EndAt, &stateS); err != nil {
			return nil, err
		}
		sm.CurrentPrice, _ = decimal.NewFromString(priceS)
		sm.State = model.State(stateS)
		summaries = append(summaries, sm)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return s.queryAuctions(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE state = 'active' AND end_at <= $1
		 ORDER BY COALESCE(closing_at, settle_failed_at, end_at) LIMIT $2`, now, limitOrAll(limit))
}

func (s *PostgresStore) ListDueForStart(ctx context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return s.queryAuctions(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE state = 'draft' AND start_at <= $1
		 ORDER BY start_at LIMIT $2`, now, limitOrAll(limit))
}

func (s *PostgresStore) queryAuctions(ctx context.Context, sql string, args ...any) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

// Commit runs the guarded UPDATE, the bid INSERT and the settlement INSERT
// in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, c Commit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	a := c.Auction
	tag, err := tx.Exec(ctx,
		`UPDATE auctions
		 SET current_price = $3::NUMERIC, end_at = $4, extensions = $5,
		     state = $6, highest_bidder_id = $7, bid_count = $8,
		     winner_id = $9, final_price = $10::NUMERIC,
		     closing_at = $11, ended_at = $12, settle_failed_at = $13, version = $2 + 1
		 WHERE id = $1 AND version = $2`,
		a.ID, c.ExpectedVersion,
		a.CurrentPrice.String(), a.EndAt, a.Extensions,
		string(a.State), a.HighestBidderID, a.BidCount,
		a.WinnerID, decimalPtr(a.FinalPrice),
		a.ClosingAt, a.EndedAt, a.SettleFailedAt,
	)
	if err != nil {
		return fmt.Errorf("update auction %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("auction %s: %w", a.ID, ErrNotFound)
		}
		return fmt.Errorf("auction %s expected version %d: %w", a.ID, c.ExpectedVersion, ErrVersionConflict)
	}

	if b := c.Bid; b != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO bids (id, auction_id, bidder_id, amount, kind, seq, origin, submitted_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
			b.ID, b.AuctionID, b.BidderID, b.Amount.String(), b.Kind, b.Seq, b.Origin, b.SubmittedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("bid seq %d on auction %s: %w", b.Seq, a.ID, ErrVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("insert bid: %w", err)
		}
	}

	if st := c.Settlement; st != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO settlements (id, auction_id, winner_id, creator_id, price, commission,
				creator_proceeds, debit_txn_id, credit_txn_id, settled_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
			st.ID, st.AuctionID, st.WinnerID, st.CreatorID,
			st.Price.String(), st.Commission.String(), st.CreatorProceeds.String(),
			st.DebitTxnID, st.CreditTxnID, st.SettledAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("settlement for auction %s: %w", a.ID, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version = c.ExpectedVersion + 1
	return nil
}

func (s *PostgresStore) GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, bidder_id, amount::TEXT, kind, seq, origin, submitted_at
		 FROM bids WHERE auction_id = $1 ORDER BY seq`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

func (s *PostgresStore) GetBidsByBidder(ctx context.Context, bidderID string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, bidder_id, amount::TEXT, kind, seq, origin, submitted_at
		 FROM bids WHERE bidder_id = $1 ORDER BY submitted_at`, bidderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, auctionID string) (*model.Settlement, error) {
	var st model.Settlement
	var priceS, commissionS, proceedsS string

	err := s.pool.QueryRow(ctx,
		`SELECT id, auction_id, winner_id, creator_id,
		        price::TEXT, commission::TEXT, creator_proceeds::TEXT,
		        debit_txn_id, credit_txn_id, settled_at
		 FROM settlements WHERE auction_id = $1`, auctionID).
		Scan(&st.ID, &st.AuctionID, &st.WinnerID, &st.CreatorID,
			&priceS, &commissionS, &proceedsS,
			&st.DebitTxnID, &st.CreditTxnID, &st.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement for auction %s: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", auctionID, err)
	}

	st.Price, _ = decimal.NewFromString(priceS)
	st.Commission, _ = decimal.NewFromString(commissionS)
	st.CreatorProceeds, _ = decimal.NewFromString(proceedsS)
	return &st, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row rowScanner) (*model.Auction, error) {
	var a model.Auction
	var initialS, currentS, incrementS string
	var buyNowS, finalS *string
	var windowMS int64
	var state string

	if err := row.Scan(&a.ID, &a.CreatorID, &a.ItemRef, &a.Title,
		&initialS, &currentS, &incrementS, &buyNowS,
		&a.StartAt, &a.EndAt, &a.ExtensionEnabled, &windowMS, &a.EndAtCeiling,
		&a.MaxExtensions, &a.Extensions, &a.RestrictedToSubscribers,
		&state, &a.HighestBidderID, &a.BidCount, &a.WinnerID, &finalS,
		&a.ClosingAt, &a.EndedAt, &a.SettleFailedAt, &a.Version, &a.CreatedAt); err != nil {
		return nil, err
	}

	a.InitialPrice, _ = decimal.NewFromString(initialS)
	a.CurrentPrice, _ = decimal.NewFromString(currentS)
	a.MinIncrement, _ = decimal.NewFromString(incrementS)
	a.BuyNowPrice = parseDecimalPtr(buyNowS)
	a.FinalPrice = parseDecimalPtr(finalS)
	a.ExtensionWindow = time.Duration(windowMS) * time.Millisecond
	a.State = model.State(state)
	return &a, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanBids(rows pgxRows) ([]model.Bid, error) {
	var bids []model.Bid
	for rows.Next() {
		var b model.Bid
		var amountS string
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amountS,
			&b.Kind, &b.Seq, &b.Origin, &b.SubmittedAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amountS)
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil // LIMIT NULL means no limit
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
