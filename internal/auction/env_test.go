package auction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/access"
	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/eligibility"
	"github.com/atmx/auction-engine/internal/ledger"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(evt model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) ofType(typ string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	svc     *auction.Service
	store   *store.MemoryStore
	ledger  *ledger.MemoryLedger
	subs    *eligibility.MemoryDirectory
	granter *access.MemoryGranter
	events  *recorder
}

// newTestEnv wires a Service to in-memory collaborators. bob, carol and
// dave start with 100 each; alice is the usual creator.
func newTestEnv(t *testing.T, cfg auction.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store.NewMemoryStore(),
		ledger:  ledger.NewMemoryLedger(),
		subs:    eligibility.NewMemoryDirectory(),
		granter: access.NewMemoryGranter(),
		events:  &recorder{},
	}
	for _, who := range []string{"bob", "carol", "dave"} {
		env.ledger.Deposit(who, d(100))
	}
	env.svc = auction.NewService(env.store, env.ledger, env.subs, env.granter, env.events, cfg)
	return env
}

// create stores an active auction by alice: $10, +$1, ends t0+1h.
func (e *testEnv) create(t *testing.T, mod func(*auction.CreateRequest)) *model.Auction {
	t.Helper()
	req := auction.CreateRequest{
		CreatorID:    "alice",
		ItemRef:      "content:video-42",
		Title:        "Signed first cut",
		InitialPrice: d(10),
		MinIncrement: d(1),
		StartAt:      t0.Add(-time.Hour),
		EndAt:        t0.Add(time.Hour),
	}
	if mod != nil {
		mod(&req)
	}
	a, err := e.svc.CreateAuction(context.Background(), req, t0.Add(-time.Hour))
	require.NoError(t, err)
	return a
}

func (e *testEnv) bid(id, bidder string, amount float64, now time.Time) (*auction.BidResult, error) {
	return e.svc.PlaceBid(context.Background(), auction.BidRequest{
		AuctionID: id,
		BidderID:  bidder,
		Amount:    d(amount),
		Origin:    "203.0.113.7",
		Now:       now,
	})
}

func (e *testEnv) get(t *testing.T, id string) *model.Auction {
	t.Helper()
	a, err := e.svc.GetAuction(context.Background(), id)
	require.NoError(t, err)
	return a
}
