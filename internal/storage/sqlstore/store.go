// Package sqlstore persists vault state in PostgreSQL or SQLite through sqlx.
//
// Amounts are stored as decimal TEXT so the full uint64 range survives
// PostgreSQL's signed BIGINT. Timestamps are unix microseconds, which matches
// the precision decisions are hashed at.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/yield_vault/internal/storage"
	"github.com/R3E-Network/yield_vault/internal/storage/migrations"
	"github.com/R3E-Network/yield_vault/internal/vault"
	"github.com/R3E-Network/yield_vault/internal/vault/access"
	"github.com/R3E-Network/yield_vault/internal/vault/audit"
	"github.com/R3E-Network/yield_vault/internal/vault/ledger"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

const stateRowID = 1

// Store implements the storage interfaces on a SQL database.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New wraps an open handle. driverName selects the placeholder style
// ("postgres" or "sqlite").
func New(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName), now: time.Now}
}

// Open opens the database and applies migrations.
func Open(ctx context.Context, driverName, dsn string) (*Store, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// =============================================================================
// Rows
// =============================================================================

type stateRow struct {
	TotalAssets   string `db:"total_assets"`
	TotalShares   string `db:"total_shares"`
	IdleAssets    string `db:"idle_assets"`
	ActiveAdapter int64  `db:"active_adapter"`
	Status        string `db:"status"`
	ChangedBy     string `db:"changed_by"`
	ChangedAt     int64  `db:"changed_at"`
	Reason        string `db:"reason"`
}

type accountRow struct {
	ID                 string `db:"id"`
	Shares             string `db:"shares"`
	PrincipalDeposited string `db:"principal_deposited"`
	FirstDepositAt     int64  `db:"first_deposit_at"`
	LastActivityAt     int64  `db:"last_activity_at"`
}

type summaryRow struct {
	Account                string `db:"account"`
	TotalDeposited         string `db:"total_deposited"`
	TotalWithdrawn         string `db:"total_withdrawn"`
	DepositCount           int64  `db:"deposit_count"`
	WithdrawCount          int64  `db:"withdraw_count"`
	EmergencyWithdrawCount int64  `db:"emergency_withdraw_count"`
	FirstActivityAt        int64  `db:"first_activity_at"`
	LastActivityAt         int64  `db:"last_activity_at"`
}

type adapterRow struct {
	ID             int64   `db:"id"`
	Identity       string  `db:"identity"`
	Label          string  `db:"label"`
	Active         bool    `db:"active"`
	Healthy        bool    `db:"healthy"`
	ReportedAssets string  `db:"reported_assets"`
	Allocated      string  `db:"allocated"`
	YieldRate      float64 `db:"yield_rate"`
	RegisteredAt   int64   `db:"registered_at"`
	LastCheckedAt  int64   `db:"last_checked_at"`
}

type decisionRow struct {
	SequenceID    int64  `db:"sequence_id"`
	RecordedAt    int64  `db:"recorded_at"`
	Type          string `db:"decision_type"`
	FromAdapter   int64  `db:"from_adapter"`
	ToAdapter     int64  `db:"to_adapter"`
	Amount        string `db:"amount"`
	Reason        string `db:"reason"`
	Actor         string `db:"actor"`
	Account       string `db:"account"`
	PrevHash      string `db:"prev_hash"`
	IntegrityHash string `db:"integrity_hash"`
}

type referenceRow struct {
	SequenceID int64  `db:"sequence_id"`
	Reference  string `db:"reference"`
}

// =============================================================================
// Load
// =============================================================================

func (s *Store) LoadSnapshot(ctx context.Context) (vault.Snapshot, error) {
	var st stateRow
	err := s.db.GetContext(ctx, &st, s.db.Rebind(`
		SELECT total_assets, total_shares, idle_assets, active_adapter, status,
		       changed_by, changed_at, reason
		FROM vault_state
		WHERE id = ?
	`), stateRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return vault.Snapshot{}, fmt.Errorf("load vault state: %w", err)
	}

	var snap vault.Snapshot
	status := access.ParseStatus(st.Status)
	snap.State.ActiveAdapter = strategy.AdapterID(st.ActiveAdapter)
	snap.State.Paused = status == access.StatusPaused
	snap.Access = access.Snapshot{
		Status:    status,
		ChangedBy: st.ChangedBy,
		ChangedAt: fromMicros(st.ChangedAt),
		Reason:    st.Reason,
	}
	if snap.State.TotalAssets, err = parseAmount("total_assets", st.TotalAssets); err != nil {
		return vault.Snapshot{}, err
	}
	if snap.State.TotalShares, err = parseAmount("total_shares", st.TotalShares); err != nil {
		return vault.Snapshot{}, err
	}
	if snap.State.IdleAssets, err = parseAmount("idle_assets", st.IdleAssets); err != nil {
		return vault.Snapshot{}, err
	}

	if snap.Accounts, err = s.loadAccounts(ctx); err != nil {
		return vault.Snapshot{}, err
	}
	if snap.Summaries, err = s.loadSummaries(ctx); err != nil {
		return vault.Snapshot{}, err
	}
	if snap.Adapters, err = s.loadAdapters(ctx); err != nil {
		return vault.Snapshot{}, err
	}
	if snap.Decisions, err = s.loadDecisions(ctx); err != nil {
		return vault.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) loadAccounts(ctx context.Context) ([]ledger.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, shares, principal_deposited, first_deposit_at, last_activity_at
		FROM vault_accounts
		ORDER BY id
	`); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	out := make([]ledger.Account, 0, len(rows))
	for _, r := range rows {
		shares, err := parseAmount("shares", r.Shares)
		if err != nil {
			return nil, err
		}
		principal, err := parseAmount("principal_deposited", r.PrincipalDeposited)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Account{
			ID:                 r.ID,
			Shares:             shares,
			PrincipalDeposited: principal,
			FirstDepositAt:     fromMicros(r.FirstDepositAt),
			LastActivityAt:     fromMicros(r.LastActivityAt),
		})
	}
	return out, nil
}

func (s *Store) loadSummaries(ctx context.Context) ([]ledger.ActivitySummary, error) {
	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT account, total_deposited, total_withdrawn, deposit_count, withdraw_count,
		       emergency_withdraw_count, first_activity_at, last_activity_at
		FROM vault_activity_summaries
		ORDER BY account
	`); err != nil {
		return nil, fmt.Errorf("load activity summaries: %w", err)
	}
	out := make([]ledger.ActivitySummary, 0, len(rows))
	for _, r := range rows {
		deposited, err := parseAmount("total_deposited", r.TotalDeposited)
		if err != nil {
			return nil, err
		}
		withdrawn, err := parseAmount("total_withdrawn", r.TotalWithdrawn)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.ActivitySummary{
			Account:                r.Account,
			TotalDeposited:         deposited,
			TotalWithdrawn:         withdrawn,
			DepositCount:           uint64(r.DepositCount),
			WithdrawCount:          uint64(r.WithdrawCount),
			EmergencyWithdrawCount: uint64(r.EmergencyWithdrawCount),
			FirstActivityAt:        fromMicros(r.FirstActivityAt),
			LastActivityAt:         fromMicros(r.LastActivityAt),
		})
	}
	return out, nil
}

func (s *Store) loadAdapters(ctx context.Context) ([]strategy.Record, error) {
	var rows []adapterRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, identity, label, active, healthy, reported_assets, allocated,
		       yield_rate, registered_at, last_checked_at
		FROM vault_adapters
		ORDER BY id
	`); err != nil {
		return nil, fmt.Errorf("load adapters: %w", err)
	}
	out := make([]strategy.Record, 0, len(rows))
	for _, r := range rows {
		reported, err := parseAmount("reported_assets", r.ReportedAssets)
		if err != nil {
			return nil, err
		}
		allocated, err := parseAmount("allocated", r.Allocated)
		if err != nil {
			return nil, err
		}
		out = append(out, strategy.Record{
			ID:             strategy.AdapterID(r.ID),
			Identity:       r.Identity,
			Label:          r.Label,
			Active:         r.Active,
			Healthy:        r.Healthy,
			ReportedAssets: reported,
			Allocated:      allocated,
			YieldRate:      r.YieldRate,
			RegisteredAt:   fromMicros(r.RegisteredAt),
			LastCheckedAt:  fromMicros(r.LastCheckedAt),
		})
	}
	return out, nil
}

func (s *Store) loadDecisions(ctx context.Context) ([]audit.Decision, error) {
	var rows []decisionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT sequence_id, recorded_at, decision_type, from_adapter, to_adapter, amount,
		       reason, actor, account, prev_hash, integrity_hash
		FROM vault_decisions
		ORDER BY sequence_id
	`); err != nil {
		return nil, fmt.Errorf("load decisions: %w", err)
	}

	var refs []referenceRow
	if err := s.db.SelectContext(ctx, &refs, `
		SELECT sequence_id, reference
		FROM vault_decision_references
		ORDER BY sequence_id, attached_at, reference
	`); err != nil {
		return nil, fmt.Errorf("load decision references: %w", err)
	}
	bySeq := make(map[int64][]string, len(refs))
	for _, r := range refs {
		bySeq[r.SequenceID] = append(bySeq[r.SequenceID], r.Reference)
	}

	out := make([]audit.Decision, 0, len(rows))
	for _, r := range rows {
		amount, err := parseAmount("amount", r.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, audit.Decision{
			SequenceID:    uint64(r.SequenceID),
			Timestamp:     fromMicros(r.RecordedAt),
			Type:          audit.DecisionType(r.Type),
			FromAdapter:   strategy.AdapterID(r.FromAdapter),
			ToAdapter:     strategy.AdapterID(r.ToAdapter),
			Amount:        amount,
			Reason:        r.Reason,
			Actor:         r.Actor,
			Account:       r.Account,
			PrevHash:      r.PrevHash,
			IntegrityHash: r.IntegrityHash,
			References:    bySeq[r.SequenceID],
		})
	}
	return out, nil
}

// =============================================================================
// Save
// =============================================================================

func (s *Store) SaveChanges(ctx context.Context, changes vault.Changes) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := toMicros(s.now())
	st := changes.State
	status := changes.Access.Status
	if st.Paused {
		status = access.StatusPaused
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO vault_state (id, total_assets, total_shares, idle_assets, active_adapter,
		                         status, changed_by, changed_at, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			total_assets = excluded.total_assets,
			total_shares = excluded.total_shares,
			idle_assets = excluded.idle_assets,
			active_adapter = excluded.active_adapter,
			status = excluded.status,
			changed_by = excluded.changed_by,
			changed_at = excluded.changed_at,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`), stateRowID, formatAmount(st.TotalAssets), formatAmount(st.TotalShares), formatAmount(st.IdleAssets),
		int64(st.ActiveAdapter), status.String(), changes.Access.ChangedBy,
		toMicros(changes.Access.ChangedAt), changes.Access.Reason, now); err != nil {
		return fmt.Errorf("save vault state: %w", err)
	}

	for _, id := range changes.RemovedAccounts {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM vault_activity_summaries WHERE account = ?`), id); err != nil {
			return fmt.Errorf("delete activity summary %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM vault_accounts WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete account %s: %w", id, err)
		}
	}

	for _, a := range changes.Accounts {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO vault_accounts (id, shares, principal_deposited, first_deposit_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				shares = excluded.shares,
				principal_deposited = excluded.principal_deposited,
				first_deposit_at = excluded.first_deposit_at,
				last_activity_at = excluded.last_activity_at
		`), a.ID, formatAmount(a.Shares), formatAmount(a.PrincipalDeposited),
			toMicros(a.FirstDepositAt), toMicros(a.LastActivityAt)); err != nil {
			return fmt.Errorf("save account %s: %w", a.ID, err)
		}
	}

	for _, sum := range changes.Summaries {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO vault_activity_summaries (account, total_deposited, total_withdrawn, deposit_count,
			                                      withdraw_count, emergency_withdraw_count,
			                                      first_activity_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account) DO UPDATE SET
				total_deposited = excluded.total_deposited,
				total_withdrawn = excluded.total_withdrawn,
				deposit_count = excluded.deposit_count,
				withdraw_count = excluded.withdraw_count,
				emergency_withdraw_count = excluded.emergency_withdraw_count,
				first_activity_at = excluded.first_activity_at,
				last_activity_at = excluded.last_activity_at
		`), sum.Account, formatAmount(sum.TotalDeposited), formatAmount(sum.TotalWithdrawn),
			int64(sum.DepositCount), int64(sum.WithdrawCount), int64(sum.EmergencyWithdrawCount),
			toMicros(sum.FirstActivityAt), toMicros(sum.LastActivityAt)); err != nil {
			return fmt.Errorf("save activity summary %s: %w", sum.Account, err)
		}
	}

	// Deletes go first so a re-registered identity never collides with the
	// row it replaces.
	for _, id := range changes.RemovedAdapters {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM vault_adapters WHERE id = ?`), int64(id)); err != nil {
			return fmt.Errorf("delete adapter %d: %w", id, err)
		}
	}

	for _, rec := range changes.Adapters {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO vault_adapters (id, identity, label, active, healthy, reported_assets, allocated,
			                            yield_rate, registered_at, last_checked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				label = excluded.label,
				active = excluded.active,
				healthy = excluded.healthy,
				reported_assets = excluded.reported_assets,
				allocated = excluded.allocated,
				yield_rate = excluded.yield_rate,
				last_checked_at = excluded.last_checked_at
		`), int64(rec.ID), rec.Identity, rec.Label, rec.Active, rec.Healthy,
			formatAmount(rec.ReportedAssets), formatAmount(rec.Allocated), rec.YieldRate,
			toMicros(rec.RegisteredAt), toMicros(rec.LastCheckedAt)); err != nil {
			return fmt.Errorf("save adapter %d: %w", rec.ID, err)
		}
	}

	for _, d := range changes.Decisions {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO vault_decisions (sequence_id, recorded_at, decision_type, from_adapter, to_adapter,
			                             amount, reason, actor, account, prev_hash, integrity_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (sequence_id) DO NOTHING
		`), int64(d.SequenceID), toMicros(d.Timestamp), string(d.Type), int64(d.FromAdapter),
			int64(d.ToAdapter), formatAmount(d.Amount), d.Reason, d.Actor, d.Account,
			d.PrevHash, d.IntegrityHash); err != nil {
			return fmt.Errorf("save decision %d: %w", d.SequenceID, err)
		}
		for _, ref := range d.References {
			if err := attach(ctx, tx, d.SequenceID, ref, now); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) AttachReference(ctx context.Context, seq uint64, ref string) error {
	return attach(ctx, s.db, seq, ref, toMicros(s.now()))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func attach(ctx context.Context, db execer, seq uint64, ref string, at int64) error {
	if _, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO vault_decision_references (sequence_id, reference, attached_at)
		VALUES (?, ?, ?)
		ON CONFLICT (sequence_id, reference) DO NOTHING
	`), int64(seq), ref, at); err != nil {
		return fmt.Errorf("attach reference to decision %d: %w", seq, err)
	}
	return nil
}

// =============================================================================
// Encoding
// =============================================================================

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s %q: %w", field, s, err)
	}
	return v, nil
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
