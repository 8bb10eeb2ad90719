package strategy

import (
	"context"
	"fmt"
	"sync"
)

// SimulatedAdapter is an in-process yield source. It backs development
// deployments and tests: liquidity limits, yield accrual, health and failure
// injection are all controllable.
type SimulatedAdapter struct {
	mu        sync.Mutex
	identity  string
	balance   uint64
	rate      float64
	pullLimit uint64
	healthy   bool
	placeErr  error
	pullErr   error
	panicky   bool
	onPlace   func(ctx context.Context)
}

// NewSimulatedAdapter returns a healthy adapter with no liquidity limit.
func NewSimulatedAdapter(identity string, rate float64) *SimulatedAdapter {
	return &SimulatedAdapter{identity: identity, rate: rate, healthy: true}
}

func (s *SimulatedAdapter) Identity() string { return s.identity }

func (s *SimulatedAdapter) Place(ctx context.Context, amount uint64) error {
	s.mu.Lock()
	hook := s.onPlace
	if s.placeErr != nil {
		err := s.placeErr
		s.mu.Unlock()
		return err
	}
	if s.balance+amount < s.balance {
		s.mu.Unlock()
		return fmt.Errorf("%s: balance overflow", s.identity)
	}
	s.balance += amount
	s.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return nil
}

func (s *SimulatedAdapter) Pull(_ context.Context, amount uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pullErr != nil {
		return 0, s.pullErr
	}
	if amount > s.balance {
		amount = s.balance
	}
	if s.pullLimit > 0 && amount > s.pullLimit {
		amount = s.pullLimit
	}
	s.balance -= amount
	return amount, nil
}

func (s *SimulatedAdapter) ReportedAssets(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *SimulatedAdapter) EstimatedYieldRate(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, nil
}

func (s *SimulatedAdapter) IsHealthy(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicky {
		panic(s.identity + ": health probe crashed")
	}
	return s.healthy
}

func (s *SimulatedAdapter) EmergencyDrain(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.balance
	s.balance = 0
	return out, nil
}

// =============================================================================
// Controls
// =============================================================================

// SetHealthy toggles the health probe result.
func (s *SimulatedAdapter) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetPanicOnHealth makes IsHealthy panic.
func (s *SimulatedAdapter) SetPanicOnHealth(panicky bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panicky = panicky
}

// FailPlacements makes Place return err until called again with nil.
func (s *SimulatedAdapter) FailPlacements(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeErr = err
}

// FailPulls makes Pull return err until called again with nil.
func (s *SimulatedAdapter) FailPulls(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullErr = err
}

// SetPullLimit caps how much a single Pull can return. Zero removes the cap.
func (s *SimulatedAdapter) SetPullLimit(limit uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullLimit = limit
}

// Accrue adds simulated yield to the balance.
func (s *SimulatedAdapter) Accrue(amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance += amount
}

// OnPlace registers a hook run after every successful Place, outside the
// adapter's lock. Tests use it to call back into the vault.
func (s *SimulatedAdapter) OnPlace(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPlace = fn
}

// Balance returns the simulated holdings.
func (s *SimulatedAdapter) Balance() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}
