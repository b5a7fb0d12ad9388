package auction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/model"
)

func TestCreateAuction_Validation(t *testing.T) {
	env := newTestEnv(t, auction.DefaultConfig())
	ceilingBeforeEnd := t0

	cases := map[string]func(*auction.CreateRequest){
		"missing creator":       func(r *auction.CreateRequest) { r.CreatorID = "" },
		"bad item ref":          func(r *auction.CreateRequest) { r.ItemRef = "video-42" },
		"unknown item kind":     func(r *auction.CreateRequest) { r.ItemRef = "nft:42" },
		"negative price":        func(r *auction.CreateRequest) { r.InitialPrice = d(-1) },
		"zero increment":        func(r *auction.CreateRequest) { r.MinIncrement = d(0) },
		"buy-now below initial": func(r *auction.CreateRequest) { r.BuyNowPrice = dp(10) },
		"end before start":      func(r *auction.CreateRequest) { r.EndAt = r.StartAt },
		"extension no window":   func(r *auction.CreateRequest) { r.ExtensionEnabled = true },
		"ceiling before end":    func(r *auction.CreateRequest) { r.EndAtCeiling = &ceilingBeforeEnd },
		"negative extensions":   func(r *auction.CreateRequest) { r.MaxExtensions = -1 },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			req := auction.CreateRequest{
				CreatorID:    "alice",
				ItemRef:      "content:video-42",
				InitialPrice: d(10),
				MinIncrement: d(1),
				StartAt:      t0,
				EndAt:        t0.Add(time.Hour),
			}
			mod(&req)
			_, err := env.svc.CreateAuction(context.Background(), req, t0)
			require.ErrorIs(t, err, auction.ErrInvalidAuction)
		})
	}
}

func TestCreateAuction_InitialState(t *testing.T) {
	env := newTestEnv(t, auction.DefaultConfig())
	a := env.create(t, nil)
	require.Equal(t, model.StateActive, a.State)
	require.True(t, a.CurrentPrice.Equal(a.InitialPrice))
	require.EqualValues(t, 1, a.Version)

	draft := env.create(t, func(r *auction.CreateRequest) { r.StartAt = t0 })
	require.Equal(t, model.StateDraft, draft.State)

	summaries, err := env.svc.ListAuctions(context.Background(), model.StateDraft)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, draft.ID, summaries[0].ID)
}

func TestActivateDue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, auction.DefaultConfig())
	soon := env.create(t, func(r *auction.CreateRequest) { r.StartAt = t0 })
	later := env.create(t, func(r *auction.CreateRequest) { r.StartAt = t0.Add(30 * time.Minute) })

	n, err := env.svc.ActivateDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, model.StateActive, env.get(t, soon.ID).State)
	require.Equal(t, model.StateDraft, env.get(t, later.ID).State)
}

func TestCancelAuction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, auction.DefaultConfig())
	a := env.create(t, nil)

	_, err := env.svc.CancelAuction(ctx, a.ID, "bob", t0)
	require.ErrorIs(t, err, auction.ErrNotCreator)

	got, err := env.svc.CancelAuction(ctx, a.ID, "alice", t0)
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, got.State)
	require.Empty(t, env.ledger.Transactions(), "no funds move")
	require.Len(t, env.events.ofType(model.EventAuctionCancelled), 1)

	_, err = env.svc.CancelAuction(ctx, a.ID, "alice", t0)
	require.ErrorIs(t, err, auction.ErrAuctionNotActive)

	_, err = env.bid(a.ID, "bob", 11, t0)
	require.ErrorIs(t, err, auction.ErrAuctionNotActive)
}

func TestCancelAuction_WithBids(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, auction.DefaultConfig())
	a := env.create(t, nil)
	_, err := env.bid(a.ID, "bob", 11, t0)
	require.NoError(t, err)

	_, err = env.svc.CancelAuction(ctx, a.ID, "alice", t0)
	require.ErrorIs(t, err, auction.ErrCannotCancelWithBids)
	require.Equal(t, model.StateActive, env.get(t, a.ID).State)
}

func TestCancelAuction_RacesBid(t *testing.T) {
	for run := 0; run < 50; run++ {
		ctx := context.Background()
		env := newTestEnv(t, auction.DefaultConfig())
		a := env.create(t, nil)

		var (
			wg        sync.WaitGroup
			bidErr    error
			cancelErr error
		)
		wg.Add(2)
		go func() { defer wg.Done(); _, bidErr = env.bid(a.ID, "bob", 11, t0) }()
		go func() { defer wg.Done(); _, cancelErr = env.svc.CancelAuction(ctx, a.ID, "alice", t0) }()
		wg.Wait()

		got := env.get(t, a.ID)
		// Exactly one of them wins; never a cancelled auction with a bid.
		if cancelErr == nil {
			require.ErrorIs(t, bidErr, auction.ErrAuctionNotActive)
			require.Equal(t, model.StateCancelled, got.State)
			require.Zero(t, got.BidCount)
		} else {
			require.NoError(t, bidErr)
			require.ErrorIs(t, cancelErr, auction.ErrCannotCancelWithBids)
			require.Equal(t, model.StateActive, got.State)
			require.EqualValues(t, 1, got.BidCount)
		}
	}
}

func TestBuyNow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, auction.DefaultConfig())
	a := env.create(t, func(r *auction.CreateRequest) { r.BuyNowPrice = dp(50) })
	_, err := env.bid(a.ID, "carol", 20, t0)
	require.NoError(t, err)

	out, err := env.svc.ExecuteBuyNow(ctx, auction.BuyNowRequest{AuctionID: a.ID, BuyerID: "bob", Now: t0})
	require.NoError(t, err)
	require.Equal(t, model.StateEnded, out.State)
	require.Equal(t, "bob", out.WinnerID)
	require.True(t, out.FinalPrice.Equal(d(50)))
	require.True(t, env.ledger.Balance("bob").Equal(d(50)))
	require.True(t, env.ledger.Balance("carol").Equal(d(100)))
	require.True(t, env.ledger.Balance("alice").Equal(d(45)))
	require.True(t, env.granter.HasAccess("bob", a.ItemRef))

	got := env.get(t, a.ID)
	require.Equal(t, t0, got.EndAt, "buy-now cuts the auction short")
	require.True(t, got.CurrentPrice.Equal(d(50)))

	bids, err := env.svc.AuctionBids(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	require.Equal(t, model.BidKindBuyNow, bids[1].Kind)

	_, err = env.bid(a.ID, "dave", 60, t0)
	require.ErrorIs(t, err, auction.ErrAuctionExpired)
	_, err = env.svc.ExecuteBuyNow(ctx, auction.BuyNowRequest{AuctionID: a.ID, BuyerID: "dave", Now: t0})
	require.ErrorIs(t, err, auction.ErrAuctionExpired)
}

func TestBuyNow_PriceChanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, auction.DefaultConfig())
	a := env.create(t, func(r *auction.CreateRequest) { r.BuyNowPrice = dp(50) })

	// A regular bid above the buy-now price commits first.
	_, err := env.bid(a.ID, "carol", 52, t0)
	require.NoError(t, err)

	_, err = env.svc.ExecuteBuyNow(ctx, auction.BuyNowRequest{AuctionID: a.ID, BuyerID: "bob", Now: t0})
	require.ErrorIs(t, err, auction.ErrAuctionPriceChanged)

	got := env.get(t, a.ID)
	require.Equal(t, model.StateActive, got.State)
	require.True(t, got.CurrentPrice.Equal(d(52)), "the $52 bid stands")
	require.Equal(t, "carol", got.HighestBidderID)
	require.Empty(t, env.ledger.Transactions())
}

func TestBuyNow_Rejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, auction.DefaultConfig())
	plain := env.create(t, nil)
	priced := env.create(t, func(r *auction.CreateRequest) { r.BuyNowPrice = dp(500) })
	restricted := env.create(t, func(r *auction.CreateRequest) {
		r.BuyNowPrice = dp(50)
		r.RestrictedToSubscribers = true
	})

	buy := func(id, buyer string) error {
		_, err := env.svc.ExecuteBuyNow(ctx, auction.BuyNowRequest{AuctionID: id, BuyerID: buyer, Now: t0})
		return err
	}
	require.ErrorIs(t, buy(plain.ID, "bob"), auction.ErrBuyNowUnavailable)
	require.ErrorIs(t, buy(priced.ID, "alice"), auction.ErrSelfBidNotAllowed)
	require.ErrorIs(t, buy(priced.ID, "bob"), auction.ErrInsufficientFunds)
	require.ErrorIs(t, buy(restricted.ID, "bob"), auction.ErrNotEligible)
	require.ErrorIs(t, buy("missing", "bob"), auction.ErrAuctionNotFound)

	got := env.get(t, priced.ID)
	require.Equal(t, model.StateActive, got.State)
	require.Nil(t, got.ClosingAt)
}

func TestBuyNow_RacesCloser(t *testing.T) {
	for run := 0; run < 30; run++ {
		ctx := context.Background()
		env := newTestEnv(t, auction.DefaultConfig())
		a := env.create(t, func(r *auction.CreateRequest) { r.BuyNowPrice = dp(50) })
		_, err := env.bid(a.ID, "carol", 20, t0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.svc.ExecuteBuyNow(ctx, auction.BuyNowRequest{AuctionID: a.ID, BuyerID: "bob", Now: t0})
		}()
		go func() {
			defer wg.Done()
			env.svc.ForceClose(ctx, a.ID, t0)
		}()
		wg.Wait()

		// Whichever path won, exactly one settlement exists.
		env.svc.CloseAuction(ctx, a.ID, t0.Add(5*time.Minute))
		got := env.get(t, a.ID)
		require.Equal(t, model.StateEnded, got.State)
		require.Equal(t, 1, env.store.SettlementCount())
		require.Len(t, env.ledger.Transactions(), 2)
	}
}
