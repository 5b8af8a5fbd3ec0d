/**
 * @description
 * This file contains the core application service for the payments-service: the
 * ingest pipeline that turns a validated C2B notification into a durable payment
 * event, resolves the payee through the channel registry, runs the reconciliation
 * engine, and records the outcome.
 *
 * Failure semantics are asymmetric around the idempotent insert. Before the event
 * is persisted, errors surface to the handler (and so to the rail, which will
 * retry). After persistence, every failure is absorbed: the event is left in
 * pending_review for human resolution and the caller still receives success, so
 * internal problems can never trigger a provider retry storm.
 *
 * @dependencies
 * - internal/store: Repository interface and error sentinels.
 * - internal/domain: Domain models.
 * - pkg/rabbitmq: Fire-and-forget outcome event publishing.
 */

package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/nyumbani/payments-service/internal/store"
	"github.com/nyumbani/payments-service/pkg/rabbitmq"
)

// ProviderMpesa is the provider tag stored on events ingested from the M-Pesa
// C2B webhook. The (provider, external transaction id) pair is the idempotency key.
const ProviderMpesa = "mpesa"

const defaultCurrency = "KES"

// Pre-persistence timestamp validation failures, surfaced to the handler as 400s.
var (
	ErrEventTimeInFuture = errors.New("event timestamp is in the future")
	ErrEventTimeTooOld   = errors.New("event timestamp is outside the replay window")
)

// Service orchestrates the webhook ingest pipeline and the operator actions.
type Service struct {
	repo         store.Repository
	producer     rabbitmq.Publisher
	reconciler   *Reconciler
	providerLoc  *time.Location
	replayWindow time.Duration
	exchange     string

	now func() time.Time // overridable in tests
}

// NewService initializes the core application service with its dependencies.
// producer may be nil when no broker is configured; publishing then degrades to
// a logged no-op.
func NewService(
	repo store.Repository,
	producer rabbitmq.Publisher,
	policy MatchPolicy,
	providerLoc *time.Location,
	replayWindow time.Duration,
	exchange string,
) *Service {
	return &Service{
		repo:         repo,
		producer:     producer,
		reconciler:   NewReconciler(repo, policy),
		providerLoc:  providerLoc,
		replayWindow: replayWindow,
		exchange:     exchange,
		now:          time.Now,
	}
}

// IngestOutcome summarizes what the pipeline did with one delivery.
type IngestOutcome struct {
	EventID   uuid.UUID
	Duplicate bool
	Status    string
}

// ParseEventTime parses the rail's fixed-offset timestamp and enforces the replay
// window. This runs before persistence, so failures are caller-visible.
func (s *Service) ParseEventTime(n *domain.C2BNotification) (time.Time, error) {
	eventTime, err := n.ParseTransTime(s.providerLoc)
	if err != nil {
		return time.Time{}, err
	}
	if err := validateEventTime(eventTime, s.now().UTC(), s.replayWindow); err != nil {
		return time.Time{}, err
	}
	return eventTime, nil
}

// validateEventTime accepts only 0 <= (now - eventTime) <= window. The window is
// inclusive at its upper bound; anything from the future is rejected outright.
func validateEventTime(eventTime time.Time, now time.Time, window time.Duration) error {
	age := now.Sub(eventTime)
	if age < 0 {
		return ErrEventTimeInFuture
	}
	if age > window {
		return ErrEventTimeTooOld
	}
	return nil
}

// Ingest durably records the notification and runs reconciliation. An error
// return means nothing was persisted and the handler should let the rail retry;
// once the insert succeeds this method always returns a successful outcome.
func (s *Service) Ingest(ctx context.Context, n *domain.C2BNotification, eventTime time.Time) (*IngestOutcome, error) {
	amount, err := n.Amount()
	if err != nil {
		return nil, err
	}

	var invoiceRef *string
	if trimmed := strings.TrimSpace(n.InvoiceRef); trimmed != "" {
		invoiceRef = &trimmed
	}

	event := &domain.PaymentEvent{
		ID:                    uuid.New(),
		Provider:              ProviderMpesa,
		ExternalTransactionID: strings.TrimSpace(n.TransID),
		Amount:                amount,
		Currency:              defaultCurrency,
		PayerPhone:            strings.TrimSpace(n.MSISDN),
		PayerName:             n.PayerName(),
		ShortCode:             strings.TrimSpace(n.BusinessShortCode),
		AccountRef:            strings.TrimSpace(n.BillRefNumber),
		InvoiceRef:            invoiceRef,
		TransactionTime:       eventTime,
		RawPayload:            n.RawFields(),
		ReconciliationStatus:  domain.EventStatusReceived,
	}

	inserted, err := s.repo.InsertPaymentEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Duplicate delivery of an already-recorded transaction: short-circuit to
		// success without re-running reconciliation.
		log.Printf("level=info component=ingest msg=\"duplicate delivery ignored\" provider=%s external_transaction_id=%s",
			event.Provider, event.ExternalTransactionID)
		return &IngestOutcome{Duplicate: true}, nil
	}

	outcome := &IngestOutcome{EventID: event.ID}
	outcome.Status = s.process(ctx, event)
	return outcome, nil
}

// process runs everything after the durable insert. It never fails: each branch
// settles the event into a terminal status and any error on the way degrades to
// pending_review.
func (s *Service) process(ctx context.Context, event *domain.PaymentEvent) string {
	channel, err := s.repo.FindActiveChannel(ctx, event.ShortCode, event.AccountRef)
	if err != nil {
		if errors.Is(err, store.ErrChannelNotFound) {
			if markErr := s.repo.MarkUnmatchedChannel(ctx, event.ID); markErr != nil {
				log.Printf("level=error component=ingest msg=\"failed to flag unmatched channel\" event_id=%s err=%v", event.ID, markErr)
			}
			log.Printf("level=warn component=ingest msg=\"no active channel for rail identifiers\" event_id=%s short_code=%s account_ref=%s",
				event.ID, event.ShortCode, event.AccountRef)
			s.publishReview(ctx, rabbitmq.RoutingKeyPaymentUnmatchedChannel, event.ID, domain.EventStatusUnmatchedChannel,
				[]string{"no registered active channel for the delivered identifiers"})
			return domain.EventStatusUnmatchedChannel
		}
		log.Printf("level=error component=ingest msg=\"channel lookup failed\" event_id=%s err=%v", event.ID, err)
		s.deferForReview(ctx, event.ID, []string{"channel lookup failed"})
		return domain.EventStatusPendingReview
	}

	result := s.reconciler.Reconcile(ctx, event, channel)
	if result.Matched {
		if err := s.repo.RecordMatch(ctx, result, event.TransactionTime); err != nil {
			reason := "recording the match failed"
			if errors.Is(err, store.ErrInvoiceNotPending) {
				reason = "matched invoice is no longer pending"
			}
			log.Printf("level=error component=ingest msg=\"match could not be recorded\" event_id=%s err=%v", event.ID, err)
			s.deferForReview(ctx, event.ID, []string{reason})
			return domain.EventStatusPendingReview
		}
		log.Printf("level=info component=ingest msg=\"payment matched\" event_id=%s invoice_id=%s method=%s confidence=%d",
			event.ID, result.MatchedInvoiceID, result.Method, result.ConfidenceScore)
		s.publishMatched(ctx, event, channel.PayeeID, result)
		return domain.EventStatusMatched
	}

	if err := s.repo.RecordReview(ctx, result); err != nil {
		log.Printf("level=error component=ingest msg=\"failed to record review deferral\" event_id=%s err=%v", event.ID, err)
	}
	log.Printf("level=info component=ingest msg=\"payment deferred for review\" event_id=%s reasons=%q", event.ID, result.Reasons)
	s.publishReview(ctx, rabbitmq.RoutingKeyPaymentReviewRequired, event.ID, domain.EventStatusPendingReview, result.Reasons)
	return domain.EventStatusPendingReview
}

// deferForReview records a best-effort pending_review deferral with the given
// reasons. Used on internal failures after persistence.
func (s *Service) deferForReview(ctx context.Context, eventID uuid.UUID, reasons []string) {
	result := &domain.ReconciliationResult{
		PaymentEventID: eventID,
		Matched:        false,
		Reasons:        reasons,
		MatchedAt:      s.now().UTC(),
	}
	if err := s.repo.RecordReview(ctx, result); err != nil {
		log.Printf("level=error component=ingest msg=\"failed to record review deferral\" event_id=%s err=%v", eventID, err)
	}
	s.publishReview(ctx, rabbitmq.RoutingKeyPaymentReviewRequired, eventID, domain.EventStatusPendingReview, reasons)
}

// ManualMatch performs the recorder mutation for an operator's explicit decision,
// promoting a deferred event to matched. The invoice transition uses the same
// pending guard as automatic matching.
func (s *Service) ManualMatch(ctx context.Context, eventID uuid.UUID, invoiceID uuid.UUID) (*domain.ReconciliationResult, error) {
	event, err := s.repo.FindPaymentEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.ReconciliationStatus == domain.EventStatusMatched {
		return nil, store.ErrEventFinalized
	}

	invoice, err := s.repo.FindInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status != domain.InvoiceStatusPending {
		return nil, store.ErrInvoiceNotPending
	}

	result := &domain.ReconciliationResult{
		PaymentEventID:   event.ID,
		Matched:          true,
		MatchedInvoiceID: &invoice.ID,
		Method:           domain.MatchMethodManual,
		ConfidenceScore:  maxConfidence,
		Reasons:          []string{"manually matched by operator"},
		MatchedAt:        s.now().UTC(),
	}
	if err := s.repo.RecordMatch(ctx, result, event.TransactionTime); err != nil {
		return nil, err
	}

	log.Printf("level=info component=ingest msg=\"payment manually matched\" event_id=%s invoice_id=%s", event.ID, invoice.ID)
	s.publishMatched(ctx, event, invoice.PayeeID, result)
	return result, nil
}

// ListReviewQueue returns events awaiting human resolution.
func (s *Service) ListReviewQueue(ctx context.Context, limit int, offset int) ([]domain.ReviewItem, error) {
	return s.repo.ListEventsForReview(ctx, limit, offset)
}

// GetEvent returns a single payment event.
func (s *Service) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.PaymentEvent, error) {
	return s.repo.FindPaymentEventByID(ctx, eventID)
}

func (s *Service) publishMatched(ctx context.Context, event *domain.PaymentEvent, payeeID uuid.UUID, result *domain.ReconciliationResult) {
	if s.producer == nil || result.MatchedInvoiceID == nil {
		return
	}
	payload := rabbitmq.PaymentMatchedEvent{
		PaymentEventID:  event.ID,
		InvoiceID:       *result.MatchedInvoiceID,
		PayeeID:         payeeID,
		Amount:          event.Amount.String(),
		Currency:        event.Currency,
		Method:          result.Method,
		ConfidenceScore: result.ConfidenceScore,
		MatchedAt:       result.MatchedAt,
	}
	if err := s.producer.Publish(ctx, s.exchange, rabbitmq.RoutingKeyPaymentMatched, payload); err != nil {
		log.Printf("level=warn component=ingest msg=\"matched event publish failed\" event_id=%s err=%v", event.ID, err)
	}
}

func (s *Service) publishReview(ctx context.Context, routingKey string, eventID uuid.UUID, status string, reasons []string) {
	if s.producer == nil {
		return
	}
	payload := rabbitmq.PaymentReviewEvent{
		PaymentEventID: eventID,
		Status:         status,
		Reasons:        reasons,
		Timestamp:      s.now().UTC(),
	}
	if err := s.producer.Publish(ctx, s.exchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=ingest msg=\"review event publish failed\" event_id=%s err=%v", eventID, err)
	}
}
