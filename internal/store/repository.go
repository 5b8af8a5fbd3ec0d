/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payments-service. By defining an interface,
 * we decouple the reconciliation pipeline from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - github.com/shopspring/decimal: For exact-amount candidate filtering.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrEventNotFound     = errors.New("payment event not found")
	ErrChannelNotFound   = errors.New("payment channel not found")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrInvoiceNotPending = errors.New("invoice is not pending")
	ErrEventFinalized    = errors.New("payment event already finalized")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Event store. InsertPaymentEvent is the idempotency mechanism: a single atomic
	// insert-if-absent on (provider, external_transaction_id). It returns false,
	// with no error, when the event was already recorded by an earlier delivery.
	InsertPaymentEvent(ctx context.Context, event *domain.PaymentEvent) (bool, error)
	FindPaymentEventByID(ctx context.Context, eventID uuid.UUID) (*domain.PaymentEvent, error)
	ListEventsForReview(ctx context.Context, limit int, offset int) ([]domain.ReviewItem, error)

	// Channel registry, restricted to active channels.
	FindActiveChannel(ctx context.Context, shortCode string, accountRef string) (*domain.PaymentChannel, error)

	// Invoice lookups for the reconciliation engine. Candidate filtering happens in
	// SQL: same payee, pending, amount exactly equal, due date inside the window.
	FindPendingInvoiceByReference(ctx context.Context, payeeID uuid.UUID, referenceCode string) (*domain.Invoice, error)
	FindCandidateInvoices(ctx context.Context, payeeID uuid.UUID, amount decimal.Decimal, windowStart time.Time, windowEnd time.Time) ([]domain.InvoiceCandidate, error)
	FindInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error)

	// Recorder. RecordMatch performs the matched-event update, the result insert,
	// and the pending-guarded invoice transition in one transaction. RecordReview
	// moves an event to pending_review with the engine's reasons and candidates.
	RecordMatch(ctx context.Context, result *domain.ReconciliationResult, paidAt time.Time) error
	RecordReview(ctx context.Context, result *domain.ReconciliationResult) error
	MarkUnmatchedChannel(ctx context.Context, eventID uuid.UUID) error
}
