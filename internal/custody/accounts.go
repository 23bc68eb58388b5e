package custody

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Accounts is an in-memory destination balance book. It implements Payout.
type Accounts struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewAccounts() *Accounts {
	return &Accounts{balances: make(map[string]int64)}
}

// Send credits amount to the destination account.
func (a *Accounts) Send(ctx context.Context, to string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	current := a.balances[to]
	if current > math.MaxInt64-amount {
		return fmt.Errorf("credit %s: balance overflow", to)
	}
	a.balances[to] = current + amount
	return nil
}

// Balance returns the destination's balance, zero when unknown.
func (a *Accounts) Balance(id string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[id]
}
