package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemoryLedgerDebitCredit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Deposit("alice", d(100))

	ok, err := l.CheckAvailable(ctx, "alice", d(100))
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = l.CheckAvailable(ctx, "alice", d(100.01))
	require.False(t, ok)

	id, err := l.Debit(ctx, "alice", d(60), "ref-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.True(t, l.Balance("alice").Equal(d(40)))

	_, err = l.Debit(ctx, "alice", d(50), "ref-2")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.True(t, l.Balance("alice").Equal(d(40)))

	_, err = l.Credit(ctx, "bob", d(54), "ref-3")
	require.NoError(t, err)
	require.True(t, l.Balance("bob").Equal(d(54)))

	_, err = l.Debit(ctx, "alice", decimal.Zero, "ref-4")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMemoryLedgerIdempotentRef(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Deposit("alice", d(100))
	l.Deposit("bob", d(100))

	first, err := l.Debit(ctx, "alice", d(30), "auction:1:debit")
	require.NoError(t, err)
	again, err := l.Debit(ctx, "alice", d(30), "auction:1:debit")
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.True(t, l.Balance("alice").Equal(d(70)))

	_, err = l.Debit(ctx, "bob", d(30), "auction:1:debit")
	require.ErrorIs(t, err, ErrReferenceMismatch)
	_, err = l.Debit(ctx, "alice", d(31), "auction:1:debit")
	require.ErrorIs(t, err, ErrReferenceMismatch)
	require.True(t, l.Balance("bob").Equal(d(100)))
	require.Len(t, l.Transactions(), 1)
}

func TestMemoryLedgerOutage(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Deposit("alice", d(10))
	down := errors.New("wallet unavailable")
	l.SetOutage(down)

	_, err := l.CheckAvailable(ctx, "alice", d(1))
	require.ErrorIs(t, err, down)
	_, err = l.Debit(ctx, "alice", d(1), "r")
	require.ErrorIs(t, err, down)

	l.SetOutage(nil)
	_, err = l.Debit(ctx, "alice", d(1), "r")
	require.NoError(t, err)
}

func TestHTTPLedger(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/{id}/available", func(w http.ResponseWriter, r *http.Request) {
		amount, _ := decimal.NewFromString(r.URL.Query().Get("amount"))
		json.NewEncoder(w).Encode(availableResponse{Available: r.PathValue("id") == "rich" || amount.LessThan(d(10))})
	})
	mux.HandleFunc("POST /debits", func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch {
		case req.Account == "poor":
			w.WriteHeader(http.StatusPaymentRequired)
		case r.Header.Get("Idempotency-Key") == "used":
			w.WriteHeader(http.StatusConflict)
		default:
			json.NewEncoder(w).Encode(transferResponse{TxnID: "txn-" + req.Ref})
		}
	})
	mux.HandleFunc("POST /credits", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	l := NewHTTPLedger(srv.URL, time.Second)

	ok, err := l.CheckAvailable(ctx, "rich", d(500))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.CheckAvailable(ctx, "someone", d(500))
	require.NoError(t, err)
	require.False(t, ok)

	id, err := l.Debit(ctx, "rich", d(5), "auction:1:debit")
	require.NoError(t, err)
	require.Equal(t, "txn-auction:1:debit", id)

	_, err = l.Debit(ctx, "poor", d(5), "x")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = l.Debit(ctx, "rich", d(5), "used")
	require.ErrorIs(t, err, ErrReferenceMismatch)
	_, err = l.Credit(ctx, "creator", d(5), "c")
	require.Error(t, err)
}

func TestHTTPLedgerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	l := NewHTTPLedger(srv.URL, 20*time.Millisecond)
	_, err := l.CheckAvailable(context.Background(), "alice", d(1))
	require.Error(t, err)
}
