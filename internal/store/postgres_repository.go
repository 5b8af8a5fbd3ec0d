/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed by the reconciliation pipeline: the atomic
 * insert-if-absent for payment events, active-channel lookups, candidate invoice
 * queries, and the transactional recorder that drives the pending -> paid invoice
 * transition.
 *
 * Concurrency notes:
 * - Idempotent ingestion relies entirely on the unique index over
 *   (provider, external_transaction_id) plus ON CONFLICT DO NOTHING. There is no
 *   read-then-write duplicate check anywhere; concurrent duplicate deliveries race
 *   on the index and exactly one insert wins.
 * - The invoice transition is a conditional UPDATE guarded by `status = 'pending'`,
 *   so out-of-order or concurrent deliveries cannot double-credit an invoice.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/shopspring/decimal"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// The raw payload travels as a string with an explicit ::jsonb cast: under the
// simple query protocol a []byte argument goes over the wire in bytea hex form,
// which the jsonb input parser rejects.
const insertPaymentEventQuery = `
	INSERT INTO payment_events (
		id, provider, external_transaction_id, amount, currency,
		payer_phone, payer_name, short_code, account_ref, invoice_ref,
		transaction_time, raw_payload, reconciliation_status, received_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, NOW())
	ON CONFLICT (provider, external_transaction_id) DO NOTHING
`

// InsertPaymentEvent performs the idempotent insert. It returns (false, nil) when
// the (provider, external_transaction_id) key already exists.
func (r *PostgresRepository) InsertPaymentEvent(ctx context.Context, event *domain.PaymentEvent) (bool, error) {
	rawPayload, err := json.Marshal(event.RawPayload)
	if err != nil {
		return false, fmt.Errorf("marshal raw payload: %w", err)
	}

	tag, err := r.db.Exec(ctx, insertPaymentEventQuery,
		event.ID,
		event.Provider,
		event.ExternalTransactionID,
		event.Amount.String(),
		event.Currency,
		event.PayerPhone,
		event.PayerName,
		event.ShortCode,
		event.AccountRef,
		event.InvoiceRef,
		event.TransactionTime,
		string(rawPayload),
		event.ReconciliationStatus,
	)
	if err != nil {
		// The conflict target absorbs duplicate keys; a unique violation can still
		// surface under serialization retries, and means the same thing.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const paymentEventColumns = `
	id, provider, external_transaction_id, amount::text, currency,
	payer_phone, payer_name, short_code, account_ref, invoice_ref,
	transaction_time, reconciliation_status, matched_invoice_id,
	match_method, confidence_score, received_at
`

func scanPaymentEvent(row pgx.Row) (*domain.PaymentEvent, error) {
	var event domain.PaymentEvent
	var amount string
	err := row.Scan(
		&event.ID,
		&event.Provider,
		&event.ExternalTransactionID,
		&amount,
		&event.Currency,
		&event.PayerPhone,
		&event.PayerName,
		&event.ShortCode,
		&event.AccountRef,
		&event.InvoiceRef,
		&event.TransactionTime,
		&event.ReconciliationStatus,
		&event.MatchedInvoiceID,
		&event.MatchMethod,
		&event.ConfidenceScore,
		&event.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	return &event, nil
}

// FindPaymentEventByID retrieves a payment event from the database by its ID.
func (r *PostgresRepository) FindPaymentEventByID(ctx context.Context, eventID uuid.UUID) (*domain.PaymentEvent, error) {
	query := `SELECT ` + paymentEventColumns + ` FROM payment_events WHERE id = $1`
	event, err := scanPaymentEvent(r.db.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return event, nil
}

// Every event column is qualified here: reconciliation_results also carries
// matched_invoice_id and confidence_score, and an unqualified reference across the
// join is ambiguous to the parser.
const reviewQueueQuery = `
	SELECT pe.id, pe.provider, pe.external_transaction_id, pe.amount::text, pe.currency,
	       pe.payer_phone, pe.payer_name, pe.short_code, pe.account_ref, pe.invoice_ref,
	       pe.transaction_time, pe.reconciliation_status, pe.matched_invoice_id,
	       pe.match_method, pe.confidence_score, pe.received_at,
	       rr.reasons, rr.candidates
	FROM payment_events pe
	LEFT JOIN reconciliation_results rr ON rr.payment_event_id = pe.id
	WHERE pe.reconciliation_status IN ('pending_review', 'unmatched_channel')
	ORDER BY pe.received_at DESC
	LIMIT $1 OFFSET $2
`

// ListEventsForReview returns events that automatic processing could not settle,
// newest first, together with the recorded reasons and ranked candidates.
func (r *PostgresRepository) ListEventsForReview(ctx context.Context, limit int, offset int) ([]domain.ReviewItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, reviewQueueQuery, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ReviewItem
	for rows.Next() {
		var item domain.ReviewItem
		var amount string
		var reasons, candidates []byte
		err := rows.Scan(
			&item.Event.ID,
			&item.Event.Provider,
			&item.Event.ExternalTransactionID,
			&amount,
			&item.Event.Currency,
			&item.Event.PayerPhone,
			&item.Event.PayerName,
			&item.Event.ShortCode,
			&item.Event.AccountRef,
			&item.Event.InvoiceRef,
			&item.Event.TransactionTime,
			&item.Event.ReconciliationStatus,
			&item.Event.MatchedInvoiceID,
			&item.Event.MatchMethod,
			&item.Event.ConfidenceScore,
			&item.Event.ReceivedAt,
			&reasons,
			&candidates,
		)
		if err != nil {
			return nil, err
		}
		if item.Event.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &item.Reasons); err != nil {
				return nil, fmt.Errorf("decode stored reasons: %w", err)
			}
		}
		if len(candidates) > 0 {
			if err := json.Unmarshal(candidates, &item.Candidates); err != nil {
				return nil, fmt.Errorf("decode stored candidates: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// FindActiveChannel resolves a (short code, account reference) pair to a registered
// active channel. Inactive channels never resolve.
func (r *PostgresRepository) FindActiveChannel(ctx context.Context, shortCode string, accountRef string) (*domain.PaymentChannel, error) {
	var channel domain.PaymentChannel
	query := `
		SELECT id, payee_id, channel_type, short_code, account_ref, is_active, is_primary
		FROM payment_channels
		WHERE short_code = $1 AND account_ref = $2 AND is_active
	`
	err := r.db.QueryRow(ctx, query, shortCode, accountRef).Scan(
		&channel.ID,
		&channel.PayeeID,
		&channel.ChannelType,
		&channel.ShortCode,
		&channel.AccountRef,
		&channel.IsActive,
		&channel.IsPrimary,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	return &channel, nil
}

const invoiceColumns = `
	id, payee_id, payer_id, amount::text, currency, due_date,
	billing_period, reference_code, status, paid_at
`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var invoice domain.Invoice
	var amount string
	err := row.Scan(
		&invoice.ID,
		&invoice.PayeeID,
		&invoice.PayerID,
		&amount,
		&invoice.Currency,
		&invoice.DueDate,
		&invoice.BillingPeriod,
		&invoice.ReferenceCode,
		&invoice.Status,
		&invoice.PaidAt,
	)
	if err != nil {
		return nil, err
	}
	invoice.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	return &invoice, nil
}

// FindPendingInvoiceByReference looks up the resolved payee's pending invoice with
// the given unique reference code (Tier 1 of the matcher).
func (r *PostgresRepository) FindPendingInvoiceByReference(ctx context.Context, payeeID uuid.UUID, referenceCode string) (*domain.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE payee_id = $1 AND upper(btrim(reference_code)) = upper(btrim($2)) AND status = 'pending'
	`
	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, payeeID, referenceCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return invoice, nil
}

// FindInvoiceByID retrieves an invoice by its ID.
func (r *PostgresRepository) FindInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return invoice, nil
}

// FindCandidateInvoices returns the payee's pending invoices whose amount exactly
// equals the event amount and whose due date falls inside the match window, joined
// with the paying tenant's on-file phone for heuristic scoring. Amount equality is
// strict: under/overpayments must never silently match.
func (r *PostgresRepository) FindCandidateInvoices(ctx context.Context, payeeID uuid.UUID, amount decimal.Decimal, windowStart time.Time, windowEnd time.Time) ([]domain.InvoiceCandidate, error) {
	query := `
		SELECT i.id, i.payee_id, i.payer_id, i.amount::text, i.currency, i.due_date,
		       i.billing_period, i.reference_code, i.status, i.paid_at,
		       t.phone, t.full_name
		FROM invoices i
		JOIN tenants t ON t.id = i.payer_id
		WHERE i.payee_id = $1
		  AND i.status = 'pending'
		  AND i.amount = $2::numeric
		  AND i.due_date BETWEEN $3 AND $4
		ORDER BY i.due_date ASC
	`
	rows, err := r.db.Query(ctx, query, payeeID, amount.String(), windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.InvoiceCandidate
	for rows.Next() {
		var c domain.InvoiceCandidate
		var amountStr string
		err := rows.Scan(
			&c.ID,
			&c.PayeeID,
			&c.PayerID,
			&amountStr,
			&c.Currency,
			&c.DueDate,
			&c.BillingPeriod,
			&c.ReferenceCode,
			&c.Status,
			&c.PaidAt,
			&c.TenantPhone,
			&c.TenantName,
		)
		if err != nil {
			return nil, err
		}
		if c.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse stored amount %q: %w", amountStr, err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// An event can be promoted to matched from any non-terminal status:
// unmatched_channel is included because an operator may register the channel after
// the fact and then manually match the event.
const recordMatchEventQuery = `
	UPDATE payment_events
	SET reconciliation_status = 'matched',
	    matched_invoice_id = $2,
	    match_method = $3,
	    confidence_score = $4,
	    matched_at = $5
	WHERE id = $1 AND reconciliation_status IN ('received', 'pending_review', 'unmatched_channel')
`

// RecordMatch persists a successful match in one transaction: the pending-guarded
// invoice transition, the event's terminal status, and the reconciliation result
// row. paidAt is the event's transaction time, not receipt wall-clock time.
func (r *PostgresRepository) RecordMatch(ctx context.Context, result *domain.ReconciliationResult, paidAt time.Time) error {
	if result.MatchedInvoiceID == nil {
		return errors.New("record match requires a matched invoice id")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Conditional update guarded by current status; losing this race means another
	// delivery or a manual action settled the invoice first.
	tag, err := tx.Exec(ctx, `
		UPDATE invoices
		SET status = 'paid', paid_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, result.MatchedInvoiceID, paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotPending
	}

	tag, err = tx.Exec(ctx, recordMatchEventQuery,
		result.PaymentEventID, result.MatchedInvoiceID, result.Method, result.ConfidenceScore, result.MatchedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventFinalized
	}

	if err := upsertReconciliationResult(ctx, tx, result); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RecordReview moves a freshly received event to pending_review and stores the
// engine's reasons and ranked candidates for the operator queue.
func (r *PostgresRepository) RecordReview(ctx context.Context, result *domain.ReconciliationResult) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payment_events
		SET reconciliation_status = 'pending_review'
		WHERE id = $1 AND reconciliation_status = 'received'
	`, result.PaymentEventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventFinalized
	}

	if err := upsertReconciliationResult(ctx, tx, result); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkUnmatchedChannel flags an event whose rail identifiers resolve to no
// registered active channel.
func (r *PostgresRepository) MarkUnmatchedChannel(ctx context.Context, eventID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_events
		SET reconciliation_status = 'unmatched_channel'
		WHERE id = $1 AND reconciliation_status = 'received'
	`, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventFinalized
	}
	return nil
}

func upsertReconciliationResult(ctx context.Context, tx pgx.Tx, result *domain.ReconciliationResult) error {
	reasons, err := json.Marshal(result.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	candidates, err := json.Marshal(result.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}

	var method *string
	if result.Method != "" {
		method = &result.Method
	}

	// A manual match may promote an event that already carries a deferral record,
	// so the result row is an upsert keyed by the event.
	_, err = tx.Exec(ctx, `
		INSERT INTO reconciliation_results (
			payment_event_id, matched_invoice_id, method, confidence_score,
			reasons, candidates, matched_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_event_id) DO UPDATE
		SET matched_invoice_id = EXCLUDED.matched_invoice_id,
		    method = EXCLUDED.method,
		    confidence_score = EXCLUDED.confidence_score,
		    reasons = EXCLUDED.reasons,
		    candidates = EXCLUDED.candidates,
		    matched_at = EXCLUDED.matched_at
	`, result.PaymentEventID, result.MatchedInvoiceID, method, result.ConfidenceScore, reasons, candidates, result.MatchedAt)
	return err
}
