// Package external holds the orchestrator's collaborators outside the
// coordination substrate proper: the budget ledger ("treasury") the cycle
// checks before starting, and the VCS facts the session snapshotter
// attaches to each summary.
package external

import (
	"context"
	"sync"
)

// Treasury reports the budget available to fund a new orchestrator cycle
//. balance and burn_rate_per_day are named loosely after the
// host platform's gas-bank account model (a balance plus a consumption
// rate), generalized here to whatever unit the deployment's budget is
// denominated in.
type Treasury interface {
	Balance(ctx context.Context) (float64, error)
	BurnRatePerDay(ctx context.Context) (float64, error)
	RunwayDays(ctx context.Context) (int, error)
}

// MinRunwayDays is the threshold below which the orchestrator halts a new
// cycle with a "summon signal" rather than starting it.
const MinRunwayDays = 30

// StaticTreasury reports a fixed balance and burn rate, decremented by
// RecordSpend as cycles run. It is the treasury used when no external
// ledger is wired (single-operator or test deployments).
type StaticTreasury struct {
	mu         sync.Mutex
	balance    float64
	burnPerDay float64
}

// NewStaticTreasury creates a StaticTreasury with the given starting
// balance and daily burn rate.
func NewStaticTreasury(balance, burnPerDay float64) *StaticTreasury {
	return &StaticTreasury{balance: balance, burnPerDay: burnPerDay}
}

// Balance implements Treasury.
func (t *StaticTreasury) Balance(_ context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance, nil
}

// BurnRatePerDay implements Treasury.
func (t *StaticTreasury) BurnRatePerDay(_ context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.burnPerDay, nil
}

// RunwayDays implements Treasury: floor(balance / burn_rate_per_day), or a
// large value if the burn rate is zero or negative (no spend, no limit).
func (t *StaticTreasury) RunwayDays(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.burnPerDay <= 0 {
		return 1 << 30, nil
	}
	return int(t.balance / t.burnPerDay), nil
}

// RecordSpend deducts amount from the balance, e.g. after a cycle
// completes and its credit cost is known.
func (t *StaticTreasury) RecordSpend(amount float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balance -= amount
}
