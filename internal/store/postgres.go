package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/escrowd/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const maxTxAttempts = 3

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string, maxConns int32) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PGStore{Db: pool}, nil
}

func (s *PGStore) Close() {
	s.Db.Close()
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a RepeatableRead transaction. Serialization failures and
// deadlocks are retried a bounded number of times before surfacing as
// domain.ErrConflict.
func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrConflict, err)
}

func (s *PGStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

type pgTx struct {
	tx pgx.Tx
}

const contractColumns = `id::text, client_id, freelancer_id, job_id, title, total_amount, currency,
	upfront_percent, duration_days, client_signature, client_signed_at, freelancer_signature,
	freelancer_signed_at, state, dispute_reason, version, created_at, signed_at, ends_at, completed_at`

func scanContract(row pgx.Row) (*domain.Contract, error) {
	var (
		c                        domain.Contract
		clientSig, freelancerSig []byte
		clientAt, freelancerAt   *time.Time
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.FreelancerID, &c.JobID, &c.Title, &c.TotalAmount, &c.Currency,
		&c.UpfrontPercent, &c.DurationDays, &clientSig, &clientAt, &freelancerSig,
		&freelancerAt, &c.State, &c.DisputeReason, &c.Version, &c.CreatedAt, &c.SignedAt, &c.EndsAt, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan contract: %w", err)
	}
	if clientSig != nil && clientAt != nil {
		c.ClientSignature = &domain.Signature{Blob: clientSig, SignedAt: *clientAt}
	}
	if freelancerSig != nil && freelancerAt != nil {
		c.FreelancerSignature = &domain.Signature{Blob: freelancerSig, SignedAt: *freelancerAt}
	}
	return &c, nil
}

func sigParts(s *domain.Signature) ([]byte, *time.Time) {
	if s == nil {
		return nil, nil
	}
	at := s.SignedAt
	return s.Blob, &at
}

func (t *pgTx) CreateContract(ctx context.Context, c *domain.Contract) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO contracts (id, client_id, freelancer_id, job_id, title, total_amount, currency,
			upfront_percent, duration_days, state, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.ClientID, c.FreelancerID, c.JobID, c.Title, c.TotalAmount, c.Currency,
		c.UpfrontPercent, c.DurationDays, c.State, c.Version, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("contract insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetContract(ctx context.Context, id string) (*domain.Contract, error) {
	return scanContract(t.tx.QueryRow(ctx, "SELECT "+contractColumns+" FROM contracts WHERE id = $1", id))
}

func (t *pgTx) LockContract(ctx context.Context, id string) (*domain.Contract, error) {
	return scanContract(t.tx.QueryRow(ctx, "SELECT "+contractColumns+" FROM contracts WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) UpdateContract(ctx context.Context, c *domain.Contract) error {
	clientSig, clientAt := sigParts(c.ClientSignature)
	freelancerSig, freelancerAt := sigParts(c.FreelancerSignature)
	tag, err := t.tx.Exec(ctx, `
		UPDATE contracts
		SET client_signature = $2, client_signed_at = $3, freelancer_signature = $4, freelancer_signed_at = $5,
			state = $6, dispute_reason = $7, signed_at = $8, ends_at = $9, completed_at = $10,
			version = version + 1
		WHERE id = $1 AND version = $11`,
		c.ID, clientSig, clientAt, freelancerSig, freelancerAt,
		c.State, c.DisputeReason, c.SignedAt, c.EndsAt, c.CompletedAt, c.Version)
	if err != nil {
		return fmt.Errorf("contract update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	c.Version++
	return nil
}

const paymentColumns = `id::text, contract_id::text, phase, amount, COALESCE(external_link_id, ''), link_url, state,
	failure_reason, created_at, updated_at, expires_at, paid_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.ContractID, &p.Phase, &p.Amount, &p.ExternalLinkID, &p.LinkURL, &p.State,
		&p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt, &p.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (t *pgTx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments (id, contract_id, phase, amount, external_link_id, link_url, state,
			failure_reason, created_at, updated_at, expires_at, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.ContractID, p.Phase, p.Amount, nullable(p.ExternalLinkID), p.LinkURL, p.State,
		p.FailureReason, p.CreatedAt, p.UpdatedAt, p.ExpiresAt, p.PaidAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "payments_one_paid_per_phase" {
				return domain.ErrAlreadyPaid
			}
			return domain.ErrInFlight
		}
		return fmt.Errorf("payment insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id))
}

func (t *pgTx) LockPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) LockPaymentByExternalID(ctx context.Context, externalLinkID string) (*domain.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE external_link_id = $1 FOR UPDATE", externalLinkID))
}

// UpdatePayment persists mutable fields. Amount is never written after insert.
// UpdatePayment runs under a savepoint so a lost race on the one-paid-per-phase
// index leaves the surrounding transaction usable.
func (t *pgTx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment update savepoint: %w", err)
	}
	_, err = sp.Exec(ctx, `
		UPDATE payments
		SET external_link_id = $2, link_url = $3, state = $4, failure_reason = $5, updated_at = $6, paid_at = $7
		WHERE id = $1`,
		p.ID, nullable(p.ExternalLinkID), p.LinkURL, p.State, p.FailureReason, p.UpdatedAt, p.PaidAt)
	if err != nil {
		_ = sp.Rollback(ctx)
		if constraint, ok := uniqueViolation(err); ok && constraint == "payments_one_paid_per_phase" {
			return domain.ErrAlreadyPaid
		}
		return fmt.Errorf("payment update failed: %w", err)
	}
	return sp.Commit(ctx)
}

func (t *pgTx) ListPayments(ctx context.Context, contractID string) ([]domain.Payment, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE contract_id = $1 ORDER BY created_at", contractID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (t *pgTx) ExpireStalePayments(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE payments SET state = 'expired', failure_reason = 'link expired', updated_at = $1
		WHERE id IN (
			SELECT id FROM payments
			WHERE state IN ('created', 'pending') AND expires_at < $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+paymentColumns, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("expire payments: %w", err)
	}
	defer rows.Close()

	var expired []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *p)
	}
	return expired, rows.Err()
}

func (t *pgTx) InsertWebhookReceipt(ctx context.Context, r *domain.WebhookReceipt) (bool, error) {
	var eventID string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO webhook_receipts (event_id, event_type, external_link_id, payload, received_at, processed, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id`,
		r.EventID, r.EventType, r.ExternalLinkID, r.Payload, r.ReceivedAt, r.Processed, r.Note).Scan(&eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("receipt insert failed: %w", err)
	}
	return true, nil
}

func (t *pgTx) UpdateWebhookReceipt(ctx context.Context, r *domain.WebhookReceipt) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE webhook_receipts SET processed = $2, processed_at = $3, note = $4 WHERE event_id = $1",
		r.EventID, r.Processed, r.ProcessedAt, r.Note)
	if err != nil {
		return fmt.Errorf("receipt update failed: %w", err)
	}
	return nil
}

// LockWallet upserts the anchor row and bumps its version, which both takes
// the row lock and makes a concurrent RepeatableRead writer fail with 40001
// instead of deciding on a stale balance.
func (t *pgTx) LockWallet(ctx context.Context, freelancerID string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallets (freelancer_id, version) VALUES ($1, 1)
		ON CONFLICT (freelancer_id) DO UPDATE SET version = wallets.version + 1`, freelancerID)
	if err != nil {
		return fmt.Errorf("wallet lock failed: %w", err)
	}
	return nil
}

func (t *pgTx) InsertWalletEntry(ctx context.Context, e *domain.WalletEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallet_entries (id, freelancer_id, kind, amount, gross_amount, fee_amount, fee_percent,
			payment_id, payout_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.FreelancerID, e.Kind, e.Amount, e.GrossAmount, e.FeeAmount, e.FeePercent,
		nullable(e.PaymentID), nullable(e.PayoutID), e.CreatedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return fmt.Errorf("%w: duplicate wallet entry", domain.ErrInternal)
		}
		return fmt.Errorf("wallet entry insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) WalletBalance(ctx context.Context, freelancerID string) (domain.WalletBalance, error) {
	b := domain.WalletBalance{FreelancerID: freelancerID}
	err := t.tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE kind = 'credit'), 0),
			COALESCE(SUM(amount) FILTER (WHERE kind = 'debit'), 0)
		FROM wallet_entries WHERE freelancer_id = $1`, freelancerID).Scan(&b.LifetimeEarnings, &b.PaidOut)
	if err != nil {
		return b, fmt.Errorf("wallet balance: %w", err)
	}
	b.Available = b.LifetimeEarnings - b.PaidOut
	return b, nil
}

func (t *pgTx) ListWalletEntries(ctx context.Context, freelancerID string, limit, offset int) ([]domain.WalletEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id::text, freelancer_id, kind, amount, gross_amount, fee_amount, fee_percent,
			COALESCE(payment_id::text, ''), COALESCE(payout_id::text, ''), created_at
		FROM wallet_entries WHERE freelancer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, freelancerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list wallet entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.WalletEntry
	for rows.Next() {
		var e domain.WalletEntry
		if err := rows.Scan(&e.ID, &e.FreelancerID, &e.Kind, &e.Amount, &e.GrossAmount, &e.FeeAmount, &e.FeePercent,
			&e.PaymentID, &e.PayoutID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const payoutColumns = `id::text, freelancer_id, amount, state, bank_details, rejection_reason, created_at, updated_at, decided_at`

func scanPayout(row pgx.Row) (*domain.PayoutRequest, error) {
	var (
		p    domain.PayoutRequest
		bank []byte
	)
	err := row.Scan(&p.ID, &p.FreelancerID, &p.Amount, &p.State, &bank, &p.RejectionReason, &p.CreatedAt, &p.UpdatedAt, &p.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan payout: %w", err)
	}
	if err := json.Unmarshal(bank, &p.BankDetails); err != nil {
		return nil, fmt.Errorf("decode bank details: %w", err)
	}
	return &p, nil
}

func (t *pgTx) InsertPayout(ctx context.Context, p *domain.PayoutRequest) error {
	bank, err := json.Marshal(p.BankDetails)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO payout_requests (id, freelancer_id, amount, state, bank_details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.FreelancerID, p.Amount, p.State, bank, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payout insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) LockPayout(ctx context.Context, id string) (*domain.PayoutRequest, error) {
	return scanPayout(t.tx.QueryRow(ctx, "SELECT "+payoutColumns+" FROM payout_requests WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *domain.PayoutRequest) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payout_requests SET state = $2, rejection_reason = $3, updated_at = $4, decided_at = $5
		WHERE id = $1`, p.ID, p.State, p.RejectionReason, p.UpdatedAt, p.DecidedAt)
	if err != nil {
		return fmt.Errorf("payout update failed: %w", err)
	}
	return nil
}

func (t *pgTx) ListPayouts(ctx context.Context, freelancerID string) ([]domain.PayoutRequest, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+payoutColumns+" FROM payout_requests WHERE freelancer_id = $1 ORDER BY created_at DESC", freelancerID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}
