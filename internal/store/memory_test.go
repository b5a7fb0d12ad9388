package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAuction(id string, state model.State, start, end time.Time) *model.Auction {
	return &model.Auction{
		ID:           id,
		CreatorID:    "alice",
		ItemRef:      "content:" + id,
		InitialPrice: decimal.NewFromInt(10),
		CurrentPrice: decimal.NewFromInt(10),
		MinIncrement: decimal.NewFromInt(1),
		StartAt:      start,
		EndAt:        end,
		State:        state,
		Version:      1,
		CreatedAt:    t0,
	}
}

// runStoreSuite exercises the Store contract; shared by every implementation.
func runStoreSuite(t *testing.T, st store.Store) {
	ctx := context.Background()

	a := newAuction("s-a1", model.StateActive, t0.Add(-time.Hour), t0.Add(time.Minute))
	require.NoError(t, st.CreateAuction(ctx, a))
	require.ErrorIs(t, st.CreateAuction(ctx, a), store.ErrAlreadyExists)

	_, err := st.GetAuction(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Guarded write with a bid.
	next := a.Clone()
	next.CurrentPrice = decimal.NewFromInt(12)
	next.BidCount = 1
	next.HighestBidderID = "bob"
	bid := &model.Bid{ID: "s-b1", AuctionID: a.ID, BidderID: "bob", Amount: decimal.NewFromInt(12), Kind: model.BidKindRegular, Seq: 1, SubmittedAt: t0}
	require.NoError(t, st.Commit(ctx, store.Commit{Auction: next, ExpectedVersion: 1, Bid: bid}))
	require.EqualValues(t, 2, next.Version)

	got, err := st.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Version)
	require.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(12)))
	require.Equal(t, "bob", got.HighestBidderID)

	// Stale writer loses and nothing is applied.
	stale := a.Clone()
	stale.CurrentPrice = decimal.NewFromInt(99)
	staleBid := &model.Bid{ID: "s-b2", AuctionID: a.ID, BidderID: "carol", Amount: decimal.NewFromInt(99), Kind: model.BidKindRegular, Seq: 1, SubmittedAt: t0}
	err = st.Commit(ctx, store.Commit{Auction: stale, ExpectedVersion: 1, Bid: staleBid})
	require.ErrorIs(t, err, store.ErrVersionConflict)

	got, _ = st.GetAuction(ctx, a.ID)
	require.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(12)))
	bids, err := st.GetBidsByAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)

	byBidder, err := st.GetBidsByBidder(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, byBidder, 1)
	require.Equal(t, "s-b1", byBidder[0].ID)

	// Expired listing.
	expired, err := st.ListExpired(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	none, err := st.ListExpired(ctx, t0, 10)
	require.NoError(t, err)
	require.Empty(t, none)

	// Settlement recorded with the final write, at most once.
	_, err = st.GetSettlement(ctx, a.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	final := got.Clone()
	final.State = model.StateEnded
	final.WinnerID = "bob"
	price := decimal.NewFromInt(12)
	final.FinalPrice = &price
	settlement := &model.Settlement{
		ID: "s-st1", AuctionID: a.ID, WinnerID: "bob", CreatorID: "alice",
		Price: price, Commission: decimal.RequireFromString("1.2"), CreatorProceeds: decimal.RequireFromString("10.8"),
		DebitTxnID: "d1", CreditTxnID: "c1", SettledAt: t0,
	}
	require.NoError(t, st.Commit(ctx, store.Commit{Auction: final, ExpectedVersion: got.Version, Settlement: settlement}))

	again := final.Clone()
	dup := *settlement
	dup.ID = "s-st2"
	err = st.Commit(ctx, store.Commit{Auction: again, ExpectedVersion: final.Version, Settlement: &dup})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	stored, err := st.GetSettlement(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "s-st1", stored.ID)
	require.True(t, stored.CreatorProceeds.Equal(decimal.RequireFromString("10.8")))

	ended, err := st.ListAuctions(ctx, model.StateEnded)
	require.NoError(t, err)
	require.Len(t, ended, 1)

	// Drafts due for start.
	draft := newAuction("s-d1", model.StateDraft, t0.Add(time.Minute), t0.Add(time.Hour))
	require.NoError(t, st.CreateAuction(ctx, draft))
	due, err := st.ListDueForStart(ctx, t0, 10)
	require.NoError(t, err)
	require.Empty(t, due)
	due, err = st.ListDueForStart(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Failed and claimed auctions sort behind fresh expiries.
	failedAt, claimedAt := t0, t0.Add(-30*time.Second)
	failing := newAuction("s-e1", model.StateActive, t0.Add(-time.Hour), t0.Add(-3*time.Minute))
	failing.SettleFailedAt = &failedAt
	fresh := newAuction("s-e2", model.StateActive, t0.Add(-time.Hour), t0.Add(-2*time.Minute))
	claimed := newAuction("s-e3", model.StateActive, t0.Add(-time.Hour), t0.Add(-time.Minute))
	claimed.ClosingAt = &claimedAt
	for _, a := range []*model.Auction{failing, fresh, claimed} {
		require.NoError(t, st.CreateAuction(ctx, a))
	}
	batch, err := st.ListExpired(ctx, t0, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "s-e2", batch[0].ID)
	require.Equal(t, "s-e3", batch[1].ID)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, store.NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	a := newAuction("a1", model.StateActive, t0, t0.Add(time.Hour))
	require.NoError(t, ms.CreateAuction(ctx, a))

	got, _ := ms.GetAuction(ctx, "a1")
	got.CurrentPrice = decimal.NewFromInt(1000)
	got.State = model.StateEnded

	again, _ := ms.GetAuction(ctx, "a1")
	require.True(t, again.CurrentPrice.Equal(decimal.NewFromInt(10)))
	require.Equal(t, model.StateActive, again.State)
}

func TestMemoryStore_ListLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ends := map[string]time.Duration{"late": -time.Minute, "early": -3 * time.Minute, "mid": -2 * time.Minute}
	for id, off := range ends {
		require.NoError(t, ms.CreateAuction(ctx, newAuction(id, model.StateActive, t0.Add(-time.Hour), t0.Add(off))))
	}

	got, err := ms.ListExpired(ctx, t0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "early", got[0].ID)
	require.Equal(t, "mid", got[1].ID)
}
