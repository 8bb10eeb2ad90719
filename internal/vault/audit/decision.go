// Package audit is the append-only decision log. Every allocation decision is
// sealed with a SHA-256 digest chained to its predecessor and indexed by type,
// adapter and UTC day at append time.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"

	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

// DecisionType classifies an allocation decision.
type DecisionType string

const (
	TypeDepositAllocate    DecisionType = "DEPOSIT_ALLOCATE"
	TypeWithdrawDeallocate DecisionType = "WITHDRAW_DEALLOCATE"
	TypeRebalance          DecisionType = "REBALANCE"
	TypeEmergencyWithdraw  DecisionType = "EMERGENCY_WITHDRAW"
)

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case TypeDepositAllocate, TypeWithdrawDeallocate, TypeRebalance, TypeEmergencyWithdraw:
		return true
	}
	return false
}

// Decision is one immutable log entry. References hold external receipts
// (notarization ids) and are not covered by the digest.
type Decision struct {
	SequenceID    uint64             `json:"sequence_id"`
	Timestamp     time.Time          `json:"timestamp"`
	Type          DecisionType       `json:"type"`
	FromAdapter   strategy.AdapterID `json:"from_adapter"`
	ToAdapter     strategy.AdapterID `json:"to_adapter"`
	Amount        uint64             `json:"amount"`
	Reason        string             `json:"reason"`
	Actor         string             `json:"actor"`
	Account       string             `json:"account,omitempty"`
	PrevHash      string             `json:"prev_hash"`
	IntegrityHash string             `json:"integrity_hash"`
	References    []string           `json:"references,omitempty"`
}

// canonicalDecision fixes field order for hashing.
type canonicalDecision struct {
	SequenceID  uint64 `json:"seq"`
	Timestamp   string `json:"ts"`
	Type        string `json:"type"`
	FromAdapter uint32 `json:"from"`
	ToAdapter   uint32 `json:"to"`
	Amount      uint64 `json:"amount"`
	Reason      string `json:"reason"`
	Actor       string `json:"actor"`
	Account     string `json:"account"`
	PrevHash    string `json:"prev"`
}

// ComputeHash returns the hex digest of d's canonical serialization.
func ComputeHash(d Decision) (string, error) {
	payload, err := json.Marshal(canonicalDecision{
		SequenceID:  d.SequenceID,
		Timestamp:   d.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:        string(d.Type),
		FromAdapter: uint32(d.FromAdapter),
		ToAdapter:   uint32(d.ToAdapter),
		Amount:      d.Amount,
		Reason:      d.Reason,
		Actor:       d.Actor,
		Account:     d.Account,
		PrevHash:    d.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode decision %d: %w", d.SequenceID, err)
	}
	return hash.Sha256(payload).StringBE(), nil
}

// Touches reports whether the decision moved funds in or out of id.
func (d Decision) Touches(id strategy.AdapterID) bool {
	return d.FromAdapter == id || d.ToAdapter == id
}

func (d Decision) clone() Decision {
	if d.References != nil {
		d.References = append([]string(nil), d.References...)
	}
	return d
}
