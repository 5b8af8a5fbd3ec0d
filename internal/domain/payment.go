/**
 * @description
 * This file defines the core domain models for the payments-service: the durable
 * payment event ingested from the mobile-money rail, the registered payment channels
 * that map rail identifiers to a landlord (payee), the rent invoices being settled,
 * and the reconciliation result linking the two.
 *
 * @notes
 * - Amounts are `decimal.Decimal` because the rail delivers them as decimal strings
 *   and reconciliation requires exact equality; floats would silently round.
 * - A PaymentEvent is written once by the webhook ingress and is immutable afterwards
 *   except for its reconciliation fields, which the recorder sets exactly once.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reconciliation statuses for a PaymentEvent. `received` is the only non-terminal
// state for automatic processing; `pending_review` may later be promoted to
// `matched` by an operator's manual match.
const (
	EventStatusReceived         = "received"
	EventStatusMatched          = "matched"
	EventStatusPendingReview    = "pending_review"
	EventStatusUnmatchedChannel = "unmatched_channel"
)

// Invoice statuses. Only the recorder moves an invoice from `pending` to `paid`.
const (
	InvoiceStatusPending   = "pending"
	InvoiceStatusPaid      = "paid"
	InvoiceStatusCancelled = "cancelled"
)

// Match methods recorded on a ReconciliationResult.
const (
	MatchMethodReferenceCode   = "reference_code"
	MatchMethodHeuristicSingle = "heuristic_single"
	MatchMethodHeuristicScored = "heuristic_scored"
	MatchMethodManual          = "manual"
)

// PaymentEvent is the durable record of one C2B notification delivered by the rail.
// (provider, external_transaction_id) is globally unique; that constraint is what
// makes ingestion idempotent under at-least-once delivery.
type PaymentEvent struct {
	ID                    uuid.UUID         `json:"id"`
	Provider              string            `json:"provider"`
	ExternalTransactionID string            `json:"external_transaction_id"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              string            `json:"currency"`
	PayerPhone            string            `json:"payer_phone"`
	PayerName             *string           `json:"payer_name,omitempty"`
	ShortCode             string            `json:"short_code"`
	AccountRef            string            `json:"account_ref"`
	InvoiceRef            *string           `json:"invoice_ref,omitempty"`
	TransactionTime       time.Time         `json:"transaction_time"` // normalized to UTC
	RawPayload            map[string]string `json:"raw_payload,omitempty"`
	ReconciliationStatus  string            `json:"reconciliation_status"`
	MatchedInvoiceID      *uuid.UUID        `json:"matched_invoice_id,omitempty"`
	MatchMethod           *string           `json:"match_method,omitempty"`
	ConfidenceScore       *int              `json:"confidence_score,omitempty"`
	ReceivedAt            time.Time         `json:"received_at"`
}

// PaymentChannel maps a rail-specific (short code, account reference) pair to a
// registered payee. The pair is unique among active channels so a notification can
// never resolve to more than one landlord.
type PaymentChannel struct {
	ID          uuid.UUID `json:"id"`
	PayeeID     uuid.UUID `json:"payee_id"`
	ChannelType string    `json:"channel_type"` // e.g. 'mpesa_paybill', 'mpesa_till'
	ShortCode   string    `json:"short_code"`
	AccountRef  string    `json:"account_ref"`
	IsActive    bool      `json:"is_active"`
	IsPrimary   bool      `json:"is_primary"`
}

// Invoice is a rent invoice owned by the wider platform. This service only reads
// pending invoices and performs the single pending -> paid transition.
type Invoice struct {
	ID            uuid.UUID       `json:"id"`
	PayeeID       uuid.UUID       `json:"payee_id"`
	PayerID       uuid.UUID       `json:"payer_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	DueDate       time.Time       `json:"due_date"`
	BillingPeriod string          `json:"billing_period"`
	ReferenceCode string          `json:"reference_code"`
	Status        string          `json:"status"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

// InvoiceCandidate is an invoice under consideration by the reconciliation engine,
// joined with the paying tenant's on-file phone for heuristic scoring.
type InvoiceCandidate struct {
	Invoice
	TenantPhone *string `json:"tenant_phone,omitempty"`
	TenantName  *string `json:"tenant_name,omitempty"`
}

// ScoredCandidate is one ranked entry recorded alongside a deferral so operators
// can see what the engine considered.
type ScoredCandidate struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	ReferenceCode string    `json:"reference_code"`
	Score         int       `json:"score"`
}

// ReconciliationResult is the outcome of running the tiered matcher for one event.
// Matched is false for deferrals; deferrals still carry reasons and the ranked
// candidate list.
type ReconciliationResult struct {
	PaymentEventID   uuid.UUID         `json:"payment_event_id"`
	Matched          bool              `json:"matched"`
	MatchedInvoiceID *uuid.UUID        `json:"matched_invoice_id,omitempty"`
	Method           string            `json:"method,omitempty"`
	ConfidenceScore  int               `json:"confidence_score"`
	Reasons          []string          `json:"reasons"`
	Candidates       []ScoredCandidate `json:"candidates,omitempty"`
	MatchedAt        time.Time         `json:"matched_at"`
}

// ReviewItem is one entry in the operator review queue: an event that automatic
// processing could not settle, with whatever the engine recorded about why.
type ReviewItem struct {
	Event      PaymentEvent      `json:"event"`
	Reasons    []string          `json:"reasons,omitempty"`
	Candidates []ScoredCandidate `json:"candidates,omitempty"`
}
