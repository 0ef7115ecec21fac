package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	uniqueViolation = "23505"
	defaultLimit    = 1000
)

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// PostgresStore is the durable Store backed by a pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection. A positive
// maxConns caps the pool.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("store: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const txColumns = `id::text, reference, payer_id, payer, amount, fee, net_amount, currency, purpose,
	correlation_id, description, provider, provider_reference, redirect_url, instructions, state,
	failure_reason, refund_reason, refund_amount, history, idempotency_key, request_hash, version,
	created_at, updated_at, completed_at`

func scanTransaction(row pgx.Row) (*payment.Transaction, error) {
	var (
		t       payment.Transaction
		payer   []byte
		history []byte
	)
	err := row.Scan(&t.ID, &t.Reference, &t.PayerID, &payer, &t.Amount, &t.Fee, &t.NetAmount,
		&t.Currency, &t.Purpose, &t.CorrelationID, &t.Description, &t.Provider, &t.ProviderReference,
		&t.RedirectURL, &t.Instructions, &t.State, &t.FailureReason, &t.RefundReason, &t.RefundAmount,
		&history, &t.IdempotencyKey, &t.RequestHash, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan transaction: %w", err)
	}
	if err := json.Unmarshal(payer, &t.Payer); err != nil {
		return nil, fmt.Errorf("store: decode payer: %w", err)
	}
	if err := json.Unmarshal(history, &t.History); err != nil {
		return nil, fmt.Errorf("store: decode history: %w", err)
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*payment.Transaction, error) {
	defer rows.Close()
	var out []*payment.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, t *payment.Transaction) error {
	payer, err := json.Marshal(t.Payer)
	if err != nil {
		return fmt.Errorf("store: encode payer: %w", err)
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("store: encode history: %w", err)
	}
	if t.Version == 0 {
		t.Version = 1
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO transactions (id, reference, payer_id, payer, amount, fee, net_amount, currency, purpose,
			correlation_id, description, provider, provider_reference, redirect_url, instructions, state,
			failure_reason, refund_reason, refund_amount, history, idempotency_key, request_hash, version,
			created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		t.ID, t.Reference, t.PayerID, payer, t.Amount, t.Fee, t.NetAmount, t.Currency, string(t.Purpose),
		t.CorrelationID, t.Description, t.Provider, t.ProviderReference, t.RedirectURL, t.Instructions,
		string(t.State), t.FailureReason, t.RefundReason, t.RefundAmount, history, t.IdempotencyKey,
		t.RequestHash, t.Version, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, payment.ErrNotFound
	}
	return scanTransaction(s.db.QueryRow(ctx, "SELECT "+txColumns+" FROM transactions WHERE id = $1", id))
}

func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*payment.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, "SELECT "+txColumns+" FROM transactions WHERE reference = $1", reference))
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, "SELECT "+txColumns+" FROM transactions WHERE idempotency_key = $1", key))
}

func (s *PostgresStore) GetByProviderReference(ctx context.Context, provider, providerRef string) (*payment.Transaction, error) {
	if providerRef == "" {
		return nil, payment.ErrNotFound
	}
	return scanTransaction(s.db.QueryRow(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE provider = $1 AND provider_reference = $2",
		provider, providerRef))
}

// UpdateTransaction never overwrites a provider reference once one is stored.
func (s *PostgresStore) UpdateTransaction(ctx context.Context, t *payment.Transaction, expectedVersion int64) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("store: encode history: %w", err)
	}
	var (
		version     int64
		providerRef string
	)
	err = s.db.QueryRow(ctx, `
		UPDATE transactions SET
			provider_reference = COALESCE(NULLIF(provider_reference, ''), $3),
			redirect_url = $4, instructions = $5, state = $6, failure_reason = $7,
			refund_reason = $8, refund_amount = $9, history = $10, updated_at = $11,
			completed_at = $12, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version, provider_reference`,
		t.ID, expectedVersion, t.ProviderReference, t.RedirectURL, t.Instructions, string(t.State),
		t.FailureReason, t.RefundReason, t.RefundAmount, history, t.UpdatedAt, t.CompletedAt,
	).Scan(&version, &providerRef)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)", t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("store: check transaction: %w", err)
		}
		if !exists {
			return payment.ErrNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("store: update transaction: %w", err)
	}
	t.Version = version
	t.ProviderReference = providerRef
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, f Filter) ([]*payment.Transaction, error) {
	states := make([]string, 0, len(f.States))
	for _, st := range f.States {
		states = append(states, string(st))
	}
	var from, to *time.Time
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.To.IsZero() {
		to = &f.To
	}
	limit := limitOrDefault(f.Limit)
	rows, err := s.db.Query(ctx, "SELECT "+txColumns+` FROM transactions
		WHERE ($1 = '' OR payer_id = $1)
		  AND ($2 = '' OR provider = $2)
		  AND (cardinality($3::text[]) = 0 OR state = ANY($3))
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at DESC
		LIMIT $6`, f.PayerID, f.Provider, states, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Transaction, error) {
	rows, err := s.db.Query(ctx, "SELECT "+txColumns+` FROM transactions
		WHERE state IN ('initiated', 'pending_confirmation') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, olderThan, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list stale transactions: %w", err)
	}
	return collectTransactions(rows)
}

const eventColumns = `id::text, provider, external_event_id, provider_reference, raw_status, payload,
	signature_valid, processed, orphan, received_at, processed_at`

func scanEvent(row pgx.Row) (*payment.WebhookEvent, error) {
	var ev payment.WebhookEvent
	err := row.Scan(&ev.ID, &ev.Provider, &ev.ExternalEventID, &ev.ProviderReference, &ev.RawStatus,
		&ev.Payload, &ev.SignatureValid, &ev.Processed, &ev.Orphan, &ev.ReceivedAt, &ev.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan webhook event: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) insertEvent(ctx context.Context, ev *payment.WebhookEvent, onConflict string) (pgconn.CommandTag, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return s.db.Exec(ctx, `
		INSERT INTO webhook_events (id, provider, external_event_id, provider_reference, raw_status,
			payload, signature_valid, processed, orphan, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,FALSE,$8) `+onConflict,
		ev.ID, ev.Provider, ev.ExternalEventID, ev.ProviderReference, ev.RawStatus, ev.Payload,
		ev.SignatureValid, ev.ReceivedAt)
}

func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, ev *payment.WebhookEvent) (bool, *payment.WebhookEvent, error) {
	ev.SignatureValid = true
	tag, err := s.insertEvent(ctx, ev,
		"ON CONFLICT (provider, external_event_id) WHERE signature_valid DO NOTHING")
	if err != nil {
		return false, nil, fmt.Errorf("store: insert webhook event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}
	existing, err := scanEvent(s.db.QueryRow(ctx, "SELECT "+eventColumns+
		" FROM webhook_events WHERE provider = $1 AND external_event_id = $2 AND signature_valid",
		ev.Provider, ev.ExternalEventID))
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *PostgresStore) RecordRejectedWebhook(ctx context.Context, ev *payment.WebhookEvent) error {
	ev.SignatureValid = false
	if _, err := s.insertEvent(ctx, ev, ""); err != nil {
		return fmt.Errorf("store: record rejected webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, id string, orphan bool, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE webhook_events SET processed = TRUE, orphan = $2, processed_at = $3 WHERE id = $1",
		id, orphan, at)
	if err != nil {
		return fmt.Errorf("store: mark webhook processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListOrphanEvents(ctx context.Context, limit int) ([]*payment.WebhookEvent, error) {
	rows, err := s.db.Query(ctx, "SELECT "+eventColumns+
		" FROM webhook_events WHERE orphan ORDER BY received_at LIMIT $1", limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list orphan events: %w", err)
	}
	defer rows.Close()
	var out []*payment.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordEffect(ctx context.Context, transactionID, effect string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO effect_ledger (transaction_id, effect_name, executed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id, effect_name) DO NOTHING`, transactionID, effect, at)
	if err != nil {
		return false, fmt.Errorf("store: record effect: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteEffect(ctx context.Context, transactionID, effect string, at time.Time, effectErr error) error {
	msg := ""
	if effectErr != nil {
		msg = effectErr.Error()
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE effect_ledger SET completed_at = $3, error = $4
		WHERE transaction_id = $1 AND effect_name = $2`, transactionID, effect, at, msg)
	if err != nil {
		return fmt.Errorf("store: complete effect: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetEffect(ctx context.Context, transactionID, effect string) (*payment.EffectEntry, error) {
	var e payment.EffectEntry
	err := s.db.QueryRow(ctx, `
		SELECT transaction_id::text, effect_name, executed_at, completed_at, error
		FROM effect_ledger WHERE transaction_id = $1 AND effect_name = $2`, transactionID, effect,
	).Scan(&e.TransactionID, &e.Effect, &e.ExecutedAt, &e.CompletedAt, &e.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get effect: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) RecordConflict(ctx context.Context, c payment.Conflict) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO transition_conflicts (transaction_id, current_state, attempted_state, source, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.TransactionID, string(c.CurrentState), string(c.AttemptedState), string(c.Source), c.Reason, c.At)
	if err != nil {
		return fmt.Errorf("store: record conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, transactionID string) ([]payment.Conflict, error) {
	rows, err := s.db.Query(ctx, `
		SELECT transaction_id::text, current_state, attempted_state, source, reason, at
		FROM transition_conflicts
		WHERE ($1 = '' OR transaction_id::text = $1)
		ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("store: list conflicts: %w", err)
	}
	defer rows.Close()
	var out []payment.Conflict
	for rows.Next() {
		var c payment.Conflict
		if err := rows.Scan(&c.TransactionID, &c.CurrentState, &c.AttemptedState, &c.Source, &c.Reason, &c.At); err != nil {
			return nil, fmt.Errorf("store: scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSettlementGaps(ctx context.Context, limit int) ([]*payment.Transaction, error) {
	rows, err := s.db.Query(ctx, "SELECT "+txColumns+` FROM transactions t
		WHERE (t.state = 'completed' AND NOT EXISTS (
				SELECT 1 FROM effect_ledger e WHERE e.transaction_id = t.id AND e.effect_name = 'settle'))
		   OR (t.state = 'refunded' AND NOT EXISTS (
				SELECT 1 FROM effect_ledger e WHERE e.transaction_id = t.id AND e.effect_name = 'refund'))
		ORDER BY t.updated_at
		LIMIT $1`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list settlement gaps: %w", err)
	}
	return collectTransactions(rows)
}
