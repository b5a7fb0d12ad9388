// Package ledger provides clients for the wallet ledger the auction engine
// settles against. The engine only checks, debits and credits balances;
// the ledger itself is owned by another service.
//
// Debits and credits carry a caller-supplied reference. Repeating a call
// with the same reference, account and amount returns the original
// transaction instead of moving funds twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned by Debit when the account's
	// available balance is below the amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrReferenceMismatch is returned when a reference was already used
	// for a different account or amount.
	ErrReferenceMismatch = errors.New("ledger: reference already used for another transfer")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Transaction kinds.
const (
	KindDebit  = "debit"
	KindCredit = "credit"
)

// Txn is one recorded balance movement.
type Txn struct {
	ID        string          `json:"id"`
	Ref       string          `json:"ref"`
	Account   string          `json:"account"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// MemoryLedger is an in-process ledger for development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	byRef    map[string]Txn
	history  []Txn
	outage   error
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]decimal.Decimal),
		byRef:    make(map[string]Txn),
	}
}

// Deposit adds funds to an account outside of any auction.
func (l *MemoryLedger) Deposit(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
}

// Withdraw removes funds outside of any auction, e.g. spent elsewhere.
func (l *MemoryLedger) Withdraw(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Sub(amount)
}

// Balance returns the account's current balance.
func (l *MemoryLedger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// SetOutage makes every call fail with err until cleared with nil.
func (l *MemoryLedger) SetOutage(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outage = err
}

// Transactions returns all recorded movements in order.
func (l *MemoryLedger) Transactions() []Txn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Txn, len(l.history))
	copy(out, l.history)
	return out
}

func (l *MemoryLedger) CheckAvailable(ctx context.Context, account string, amount decimal.Decimal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outage != nil {
		return false, l.outage
	}
	return l.balances[account].GreaterThanOrEqual(amount), nil
}

func (l *MemoryLedger) Debit(ctx context.Context, account string, amount decimal.Decimal, ref string) (string, error) {
	return l.apply(ctx, KindDebit, account, amount, ref)
}

func (l *MemoryLedger) Credit(ctx context.Context, account string, amount decimal.Decimal, ref string) (string, error) {
	return l.apply(ctx, KindCredit, account, amount, ref)
}

func (l *MemoryLedger) apply(ctx context.Context, kind, account string, amount decimal.Decimal, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outage != nil {
		return "", l.outage
	}
	if prev, ok := l.byRef[ref]; ok {
		if prev.Kind == kind && prev.Account == account && prev.Amount.Equal(amount) {
			return prev.ID, nil
		}
		return "", fmt.Errorf("%w: %s", ErrReferenceMismatch, ref)
	}

	balance := l.balances[account]
	if kind == KindDebit {
		if balance.LessThan(amount) {
			return "", ErrInsufficientBalance
		}
		l.balances[account] = balance.Sub(amount)
	} else {
		l.balances[account] = balance.Add(amount)
	}

	txn := Txn{
		ID:        uuid.New().String(),
		Ref:       ref,
		Account:   account,
		Kind:      kind,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	l.byRef[ref] = txn
	l.history = append(l.history, txn)
	return txn.ID, nil
}
