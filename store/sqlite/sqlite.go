/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces using SQLite. In production, the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  enforcement.StateStore:  Per-user compliance state with guarded writes
  enforcement.DecisionLog: Append-only enforcement audit trail
  enforcement.SignalStore: Outbound signal outbox
  fund.Store:              Append-only money ledger + materialized accounts

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on fund_transactions or decisions
  - No DELETE statements on fund_transactions or decisions
  - Ledger corrections via adjustment transactions only

KEY TABLES:
  compliance_states: One row per user; tier, engagement clock, bleeding meter
  decisions:         Immutable audit log of every enforcement event
  fund_transactions: Immutable ledger of all balance changes
  fund_accounts:     Materialized per-user aggregates
  signal_outbox:     Pending/sent/failed downstream signals

INDEXES:
  - idx_unique_escalation_crossing: at most one escalation decision per
    (user, tier) - the idempotency claim for tier crossings
  - fund_transactions.idempotency_key UNIQUE: retry protection
  - idx_fund_transactions_user_date: balance replay (hot path)
  - idx_signal_outbox_status: Flush scanning

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead. Tier writes
  additionally carry a compare-and-swap guard in SQL so raced checks
  fail cleanly rather than clobbering each other.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/compliance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := fund.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - enforcement/types.go: Interface definitions
  - fund/ledger.go: Higher-level ledger using fund.Store
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/compliance-engine/enforcement"
	"github.com/warp/compliance-engine/fund"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Compliance states (one row per user)
	CREATE TABLE IF NOT EXISTS compliance_states (
		user_id TEXT PRIMARY KEY,
		last_engagement_at TEXT NOT NULL,
		daily_tasks_complete INTEGER NOT NULL DEFAULT 0,
		daily_tasks_required INTEGER NOT NULL DEFAULT 0,
		escalation_tier INTEGER NOT NULL DEFAULT 0,
		bleeding_active BOOLEAN NOT NULL DEFAULT FALSE,
		bleeding_started_at TEXT,
		bleeding_rate_per_minute TEXT NOT NULL DEFAULT '0',
		bleeding_total_today TEXT NOT NULL DEFAULT '0',
		bleeding_total_day TEXT NOT NULL,
		pending_consequences INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Decisions (append-only audit log)
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		decision_type TEXT NOT NULL,
		tier INTEGER NOT NULL,
		previous_tier INTEGER NOT NULL,
		direction TEXT,
		kind TEXT,
		amount TEXT NOT NULL DEFAULT '0',
		reasoning TEXT,
		outcome TEXT NOT NULL,
		executed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_user_date
		ON decisions(user_id, executed_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_type
		ON decisions(decision_type);

	-- CRITICAL: a tier crossing can be claimed exactly once. Retried and
	-- raced checks hit this index instead of double-escalating.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_escalation_crossing
		ON decisions(user_id, tier)
		WHERE decision_type = 'escalation';

	-- Fund transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS fund_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fund_transactions_user_date
		ON fund_transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_fund_transactions_idempotency
		ON fund_transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- Fund accounts (materialized aggregates)
	CREATE TABLE IF NOT EXISTS fund_accounts (
		user_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL DEFAULT '0',
		total_earned TEXT NOT NULL DEFAULT '0',
		total_penalties TEXT NOT NULL DEFAULT '0',
		total_spent TEXT NOT NULL DEFAULT '0',
		pending_payout TEXT NOT NULL DEFAULT '0',
		payout_threshold TEXT NOT NULL DEFAULT '0',
		reserve_percentage TEXT NOT NULL DEFAULT '0',
		monthly_penalty_limit TEXT NOT NULL DEFAULT '0',
		monthly_penalties_this_month TEXT NOT NULL DEFAULT '0',
		penalty_month TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Signal outbox (downstream side effects)
	CREATE TABLE IF NOT EXISTS signal_outbox (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity INTEGER NOT NULL DEFAULT 0,
		message TEXT,
		vulnerability_tier INTEGER NOT NULL DEFAULT 0,
		release_count INTEGER NOT NULL DEFAULT 0,
		is_consequence BOOLEAN NOT NULL DEFAULT FALSE,
		engaged_at TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		delivered_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_signal_outbox_status
		ON signal_outbox(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_signal_outbox_user
		ON signal_outbox(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STATE STORE (enforcement.StateStore interface)
// =============================================================================

const stateColumns = `user_id, last_engagement_at, daily_tasks_complete, daily_tasks_required,
	escalation_tier, bleeding_active, bleeding_started_at, bleeding_rate_per_minute,
	bleeding_total_today, bleeding_total_day, pending_consequences, created_at, updated_at`

// ListUserIDs returns every user with a compliance state, sorted.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM compliance_states ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetState returns the user's compliance state, or (nil, nil) when absent.
func (s *Store) GetState(ctx context.Context, userID string) (*enforcement.ComplianceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+stateColumns+" FROM compliance_states WHERE user_id = ?", userID)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// PutState upserts the full row without concurrency guards.
func (s *Store) PutState(ctx context.Context, st *enforcement.ComplianceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO compliance_states
		(` + stateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_engagement_at = excluded.last_engagement_at,
			daily_tasks_complete = excluded.daily_tasks_complete,
			daily_tasks_required = excluded.daily_tasks_required,
			escalation_tier = excluded.escalation_tier,
			bleeding_active = excluded.bleeding_active,
			bleeding_started_at = excluded.bleeding_started_at,
			bleeding_rate_per_minute = excluded.bleeding_rate_per_minute,
			bleeding_total_today = excluded.bleeding_total_today,
			bleeding_total_day = excluded.bleeding_total_day,
			pending_consequences = excluded.pending_consequences,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, query,
		st.UserID,
		st.LastEngagementAt.UTC().Format(time.RFC3339),
		st.DailyTasksComplete,
		st.DailyTasksRequired,
		st.EscalationTier,
		st.BleedingActive,
		nullTime(st.BleedingStartedAt),
		st.BleedingRatePerMinute.String(),
		st.BleedingTotalToday.String(),
		st.BleedingTotalDay.UTC().Format(time.RFC3339),
		st.PendingConsequences,
		st.CreatedAt.UTC().Format(time.RFC3339),
		now,
	)
	return err
}

// UpdateState writes st only if the stored row still has the expected
// tier and bleeding window start. Returns ErrConcurrentModification when
// the guard fails, ErrStateNotFound when the row is missing.
func (s *Store) UpdateState(ctx context.Context, st *enforcement.ComplianceState, expectTier int, expectBleedingStartedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE compliance_states SET
			last_engagement_at = ?,
			daily_tasks_complete = ?,
			daily_tasks_required = ?,
			escalation_tier = ?,
			bleeding_active = ?,
			bleeding_started_at = ?,
			bleeding_rate_per_minute = ?,
			bleeding_total_today = ?,
			bleeding_total_day = ?,
			pending_consequences = ?,
			updated_at = ?
		WHERE user_id = ?
		  AND escalation_tier = ?
		  AND ((? IS NULL AND bleeding_started_at IS NULL) OR bleeding_started_at = ?)
	`

	expectStart := nullTime(expectBleedingStartedAt)
	res, err := s.db.ExecContext(ctx, query,
		st.LastEngagementAt.UTC().Format(time.RFC3339),
		st.DailyTasksComplete,
		st.DailyTasksRequired,
		st.EscalationTier,
		st.BleedingActive,
		nullTime(st.BleedingStartedAt),
		st.BleedingRatePerMinute.String(),
		st.BleedingTotalToday.String(),
		st.BleedingTotalDay.UTC().Format(time.RFC3339),
		st.PendingConsequences,
		time.Now().UTC().Format(time.RFC3339),
		st.UserID,
		expectTier,
		expectStart,
		expectStart,
	)
	if err != nil {
		return fmt.Errorf("failed to update compliance state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Guard failed: distinguish a missing row from a concurrent write.
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM compliance_states WHERE user_id = ?", st.UserID,
	).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return enforcement.ErrStateNotFound
	}
	return &enforcement.TierConflictError{UserID: st.UserID, ExpectedTier: expectTier}
}

func scanState(row *sql.Row) (*enforcement.ComplianceState, error) {
	var (
		st               enforcement.ComplianceState
		lastEngagementAt string
		startedAt        sql.NullString
		rate             string
		totalToday       string
		totalDay         string
		createdAt        string
		updatedAt        string
	)

	err := row.Scan(
		&st.UserID, &lastEngagementAt, &st.DailyTasksComplete, &st.DailyTasksRequired,
		&st.EscalationTier, &st.BleedingActive, &startedAt, &rate,
		&totalToday, &totalDay, &st.PendingConsequences, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.LastEngagementAt, _ = time.Parse(time.RFC3339, lastEngagementAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		st.BleedingStartedAt = &t
	}
	st.BleedingRatePerMinute = parseDecimal(rate)
	st.BleedingTotalToday = parseDecimal(totalToday)
	st.BleedingTotalDay, _ = time.Parse(time.RFC3339, totalDay)
	st.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	st.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &st, nil
}

// =============================================================================
// DECISION LOG (enforcement.DecisionLog interface)
// =============================================================================

// AppendDecision inserts a decision. An escalation decision for an
// already-claimed (user, tier) returns ErrDuplicateCrossing.
func (s *Store) AppendDecision(ctx context.Context, d enforcement.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO decisions
		(id, user_id, decision_type, tier, previous_tier, direction, kind, amount, reasoning, outcome, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.UserID,
		string(d.Type),
		d.Tier,
		d.PreviousTier,
		nullString(d.Direction),
		nullString(string(d.Kind)),
		d.Amount.String(),
		nullString(d.Reasoning),
		d.Outcome,
		d.ExecutedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return enforcement.ErrDuplicateCrossing
		}
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

// DecisionsInRange returns decisions with executed_at in [from, to],
// chronologically.
func (s *Store) DecisionsInRange(ctx context.Context, userID string, from, to time.Time) ([]enforcement.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, decision_type, tier, previous_tier, direction, kind, amount, reasoning, outcome, executed_at
		FROM decisions
		WHERE user_id = ? AND executed_at >= ? AND executed_at <= ?
		ORDER BY executed_at ASC
	`
	return s.queryDecisions(ctx, query, userID,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
}

// DecisionsByUser returns the most recent decisions, newest first.
func (s *Store) DecisionsByUser(ctx context.Context, userID string, limit int) ([]enforcement.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, decision_type, tier, previous_tier, direction, kind, amount, reasoning, outcome, executed_at
		FROM decisions
		WHERE user_id = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = 100
	}
	return s.queryDecisions(ctx, query, userID, limit)
}

func (s *Store) queryDecisions(ctx context.Context, query string, args ...any) ([]enforcement.Decision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []enforcement.Decision
	for rows.Next() {
		var (
			d          enforcement.Decision
			direction  sql.NullString
			kind       sql.NullString
			amount     string
			reasoning  sql.NullString
			executedAt string
		)
		err := rows.Scan(
			&d.ID, &d.UserID, &d.Type, &d.Tier, &d.PreviousTier,
			&direction, &kind, &amount, &reasoning, &d.Outcome, &executedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Direction = direction.String
		d.Kind = enforcement.Kind(kind.String)
		d.Amount = parseDecimal(amount)
		d.Reasoning = reasoning.String
		d.ExecutedAt, _ = time.Parse(time.RFC3339, executedAt)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// =============================================================================
// SIGNAL STORE (enforcement.SignalStore interface)
// =============================================================================

func (s *Store) AppendSignal(ctx context.Context, sig enforcement.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO signal_outbox
		(id, user_id, kind, severity, message, vulnerability_tier, release_count,
		 is_consequence, engaged_at, status, attempts, last_error, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var engagedAt sql.NullString
	if !sig.EngagedAt.IsZero() {
		engagedAt = nullString(sig.EngagedAt.UTC().Format(time.RFC3339))
	}

	_, err := s.db.ExecContext(ctx, query,
		sig.ID,
		sig.UserID,
		string(sig.Kind),
		sig.Severity,
		nullString(sig.Message),
		sig.VulnerabilityTier,
		sig.Count,
		sig.IsConsequence,
		engagedAt,
		string(sig.Status),
		sig.Attempts,
		nullString(sig.LastError),
		sig.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(sig.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

func (s *Store) UpdateSignalDelivery(ctx context.Context, id string, status enforcement.SignalStatus, attempts int, lastError string, deliveredAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_outbox SET status = ?, attempts = ?, last_error = ?, delivered_at = ?
		WHERE id = ?`,
		string(status), attempts, nullString(lastError), nullTime(deliveredAt), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update signal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("signal %s not found", id)
	}
	return nil
}

func (s *Store) PendingSignals(ctx context.Context, limit int) ([]enforcement.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, kind, severity, message, vulnerability_tier, release_count,
		       is_consequence, engaged_at, status, attempts, last_error, created_at, delivered_at
		FROM signal_outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?
	`
	return s.querySignals(ctx, query, limit)
}

func (s *Store) SignalsByUser(ctx context.Context, userID string, from, to time.Time) ([]enforcement.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, kind, severity, message, vulnerability_tier, release_count,
		       is_consequence, engaged_at, status, attempts, last_error, created_at, delivered_at
		FROM signal_outbox
		WHERE user_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC
	`
	return s.querySignals(ctx, query, userID,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
}

func (s *Store) querySignals(ctx context.Context, query string, args ...any) ([]enforcement.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []enforcement.Signal
	for rows.Next() {
		var (
			sig         enforcement.Signal
			message     sql.NullString
			engagedAt   sql.NullString
			lastError   sql.NullString
			createdAt   string
			deliveredAt sql.NullString
		)
		err := rows.Scan(
			&sig.ID, &sig.UserID, &sig.Kind, &sig.Severity, &message,
			&sig.VulnerabilityTier, &sig.Count, &sig.IsConsequence,
			&engagedAt, &sig.Status, &sig.Attempts, &lastError,
			&createdAt, &deliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Message = message.String
		sig.LastError = lastError.String
		if engagedAt.Valid {
			sig.EngagedAt, _ = time.Parse(time.RFC3339, engagedAt.String)
		}
		sig.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if deliveredAt.Valid {
			t, _ := time.Parse(time.RFC3339, deliveredAt.String)
			sig.DeliveredAt = &t
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// =============================================================================
// FUND STORE (fund.Store interface)
// =============================================================================

// AppendTransaction adds a transaction to the ledger.
func (s *Store) AppendTransaction(ctx context.Context, tx fund.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendFundTx(ctx, s.db, tx)
}

func (s *Store) appendFundTx(ctx context.Context, db execer, tx fund.Transaction) error {
	query := `
		INSERT INTO fund_transactions
		(id, user_id, amount, tx_type, description, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Amount.String(),
		string(tx.Type),
		nullString(tx.Description),
		nullString(tx.IdempotencyKey),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fund.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append fund transaction: %w", err)
	}
	return nil
}

// Transactions returns all transactions for a user, chronologically.
func (s *Store) Transactions(ctx context.Context, userID string) ([]fund.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, amount, tx_type, description, idempotency_key, created_at
		FROM fund_transactions
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryFundTransactions(ctx, query, userID)
}

// TransactionsInRange returns transactions with created_at in [from, to].
func (s *Store) TransactionsInRange(ctx context.Context, userID string, from, to time.Time) ([]fund.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, amount, tx_type, description, idempotency_key, created_at
		FROM fund_transactions
		WHERE user_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryFundTransactions(ctx, query, userID,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
}

// HasIdempotencyKey checks if an idempotency key exists.
func (s *Store) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hasIdempotencyKey(ctx, s.db, key)
}

func (s *Store) hasIdempotencyKey(ctx context.Context, db querier, key string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fund_transactions WHERE idempotency_key = ?", key,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) queryFundTransactions(ctx context.Context, query string, args ...any) ([]fund.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fund transactions: %w", err)
	}
	defer rows.Close()

	var transactions []fund.Transaction
	for rows.Next() {
		var (
			tx             fund.Transaction
			amount         string
			description    sql.NullString
			idempotencyKey sql.NullString
			createdAt      string
		)
		err := rows.Scan(&tx.ID, &tx.UserID, &amount, &tx.Type, &description, &idempotencyKey, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fund transaction: %w", err)
		}
		tx.Amount = parseDecimal(amount)
		tx.Description = description.String
		tx.IdempotencyKey = idempotencyKey.String
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// GetAccount returns the account, or (nil, nil) when absent.
func (s *Store) GetAccount(ctx context.Context, userID string) (*fund.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getAccount(ctx, s.db, userID)
}

func (s *Store) getAccount(ctx context.Context, db querier, userID string) (*fund.Account, error) {
	var (
		a              fund.Account
		balance        string
		totalEarned    string
		totalPenalties string
		totalSpent     string
		pendingPayout  string
		threshold      string
		reserve        string
		monthlyLimit   string
		monthlyUsed    string
		createdAt      string
		updatedAt      string
	)

	err := db.QueryRowContext(ctx, `
		SELECT user_id, balance, total_earned, total_penalties, total_spent, pending_payout,
		       payout_threshold, reserve_percentage, monthly_penalty_limit,
		       monthly_penalties_this_month, penalty_month, created_at, updated_at
		FROM fund_accounts WHERE user_id = ?`, userID,
	).Scan(
		&a.UserID, &balance, &totalEarned, &totalPenalties, &totalSpent, &pendingPayout,
		&threshold, &reserve, &monthlyLimit, &monthlyUsed, &a.PenaltyMonth,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.Balance = parseDecimal(balance)
	a.TotalEarned = parseDecimal(totalEarned)
	a.TotalPenalties = parseDecimal(totalPenalties)
	a.TotalSpent = parseDecimal(totalSpent)
	a.PendingPayout = parseDecimal(pendingPayout)
	a.PayoutThreshold = parseDecimal(threshold)
	a.ReservePercentage = parseDecimal(reserve)
	a.MonthlyPenaltyLimit = parseDecimal(monthlyLimit)
	a.MonthlyPenaltiesThisMonth = parseDecimal(monthlyUsed)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

// PutAccount upserts the account row.
func (s *Store) PutAccount(ctx context.Context, a *fund.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.putAccount(ctx, s.db, a)
}

func (s *Store) putAccount(ctx context.Context, db execer, a *fund.Account) error {
	query := `
		INSERT INTO fund_accounts
		(user_id, balance, total_earned, total_penalties, total_spent, pending_payout,
		 payout_threshold, reserve_percentage, monthly_penalty_limit,
		 monthly_penalties_this_month, penalty_month, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			total_earned = excluded.total_earned,
			total_penalties = excluded.total_penalties,
			total_spent = excluded.total_spent,
			pending_payout = excluded.pending_payout,
			payout_threshold = excluded.payout_threshold,
			reserve_percentage = excluded.reserve_percentage,
			monthly_penalty_limit = excluded.monthly_penalty_limit,
			monthly_penalties_this_month = excluded.monthly_penalties_this_month,
			penalty_month = excluded.penalty_month,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		a.UserID,
		a.Balance.String(),
		a.TotalEarned.String(),
		a.TotalPenalties.String(),
		a.TotalSpent.String(),
		a.PendingPayout.String(),
		a.PayoutThreshold.String(),
		a.ReservePercentage.String(),
		a.MonthlyPenaltyLimit.String(),
		a.MonthlyPenaltiesThisMonth.String(),
		a.PenaltyMonth,
		a.CreatedAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// =============================================================================
// TRANSACTIONAL FUND STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store fund.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txFundStore{tx: sqlTx, parent: s}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txFundStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txFundStore) AppendTransaction(ctx context.Context, tx fund.Transaction) error {
	return ts.parent.appendFundTx(ctx, ts.tx, tx)
}

func (ts *txFundStore) Transactions(ctx context.Context, userID string) ([]fund.Transaction, error) {
	query := `
		SELECT id, user_id, amount, tx_type, description, idempotency_key, created_at
		FROM fund_transactions
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := ts.tx.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fund transactions: %w", err)
	}
	defer rows.Close()

	var transactions []fund.Transaction
	for rows.Next() {
		var (
			tx             fund.Transaction
			amount         string
			description    sql.NullString
			idempotencyKey sql.NullString
			createdAt      string
		)
		err := rows.Scan(&tx.ID, &tx.UserID, &amount, &tx.Type, &description, &idempotencyKey, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fund transaction: %w", err)
		}
		tx.Amount = parseDecimal(amount)
		tx.Description = description.String
		tx.IdempotencyKey = idempotencyKey.String
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (ts *txFundStore) TransactionsInRange(ctx context.Context, userID string, from, to time.Time) ([]fund.Transaction, error) {
	txs, err := ts.Transactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	var result []fund.Transaction
	for _, tx := range txs {
		if !tx.CreatedAt.Before(from) && !tx.CreatedAt.After(to) {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (ts *txFundStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return ts.parent.hasIdempotencyKey(ctx, ts.tx, key)
}

func (ts *txFundStore) GetAccount(ctx context.Context, userID string) (*fund.Account, error) {
	return ts.parent.getAccount(ctx, ts.tx, userID)
}

func (ts *txFundStore) PutAccount(ctx context.Context, a *fund.Account) error {
	return ts.parent.putAccount(ctx, ts.tx, a)
}

func (ts *txFundStore) WithTx(ctx context.Context, fn func(fund.Store) error) error {
	return fn(ts)
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
