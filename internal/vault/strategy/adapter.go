// Package strategy defines the contract every yield source implements and the
// registry that tracks which adapters exist and which one is active.
package strategy

import (
	"context"
	"fmt"
)

// AdapterID identifies a registered adapter. NoAdapter stands for the vault's
// own idle balance in allocation decisions.
type AdapterID uint32

// NoAdapter is the idle balance pseudo-adapter.
const NoAdapter AdapterID = 0

func (id AdapterID) String() string {
	if id == NoAdapter {
		return "idle"
	}
	return fmt.Sprintf("adapter-%d", uint32(id))
}

// Adapter is a pluggable yield source. Implementations wrap a lending market,
// liquidity pool or any other place capital can earn a return.
//
// Pull may return less than requested when liquidity is short; callers treat
// a short return as a partial success and account for the actual amount.
// IsHealthy must not block for long and must not fail; use Healthy to call it.
type Adapter interface {
	// Identity is a stable identifier (protocol + pool) used to reject
	// duplicate registrations and to re-bind persisted records on restart.
	Identity() string

	// Place moves amount from the vault into the yield source.
	Place(ctx context.Context, amount uint64) error

	// Pull moves up to amount back to the vault and returns what was moved.
	Pull(ctx context.Context, amount uint64) (uint64, error)

	// ReportedAssets is the adapter's own view of the value it holds for the vault.
	ReportedAssets(ctx context.Context) (uint64, error)

	// EstimatedYieldRate is an informational annualised rate (0.05 = 5%).
	EstimatedYieldRate(ctx context.Context) (float64, error)

	IsHealthy(ctx context.Context) bool

	// EmergencyDrain returns everything it can, ignoring health and limits.
	EmergencyDrain(ctx context.Context) (uint64, error)
}

// Healthy calls a.IsHealthy and reports a panicking adapter as unhealthy.
func Healthy(ctx context.Context, a Adapter) (healthy bool) {
	if a == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			healthy = false
		}
	}()
	return a.IsHealthy(ctx)
}
