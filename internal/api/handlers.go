/**
 * @description
 * HTTP handlers for the payments-service API: the M-Pesa C2B webhook ingress and
 * the operator review endpoints.
 *
 * The webhook contract is asymmetric around persistence. Failures before the
 * durable insert (bad source, malformed payload, stale timestamp) are rejected
 * with real HTTP error codes so nothing is recorded. Once the event is persisted
 * the rail always receives 200 with a {resultCode, resultDescription} body; the
 * rail treats any non-200 as undelivered and retries, so surfacing an internal
 * error after persistence would only produce duplicate deliveries.
 *
 * @dependencies
 * - internal/app: Ingest pipeline, reconciliation, rate limiting.
 * - internal/store: Error sentinels for status mapping.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - github.com/google/uuid: Identifier parsing.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nyumbani/payments-service/internal/app"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/nyumbani/payments-service/internal/store"
)

// Webhook acknowledgement codes. The rail only distinguishes zero from non-zero.
const (
	ackCodeSuccess   = 0
	ackCodeThrottled = 1
)

// webhookAck is the acknowledgement body the rail expects on every accepted
// delivery.
type webhookAck struct {
	ResultCode        int    `json:"resultCode"`
	ResultDescription string `json:"resultDescription"`
}

// PaymentHandlers holds the dependencies for the API handlers.
type PaymentHandlers struct {
	service            *app.Service
	limiter            *app.RedisWebhookRateLimiter
	rateLimitPerMinute int
}

// NewPaymentHandlers creates handlers backed by the given service. limiter may be
// nil; the throttle is then disabled.
func NewPaymentHandlers(service *app.Service, limiter *app.RedisWebhookRateLimiter, rateLimitPerMinute int) *PaymentHandlers {
	return &PaymentHandlers{
		service:            service,
		limiter:            limiter,
		rateLimitPerMinute: rateLimitPerMinute,
	}
}

// C2BWebhookHandler ingests one M-Pesa C2B payment notification. Source
// authentication has already run in middleware by the time this executes.
func (h *PaymentHandlers) C2BWebhookHandler(w http.ResponseWriter, r *http.Request) {
	notification, err := domain.DecodeC2BNotification(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.throttled(w, r) {
		return
	}

	// Timestamp checks run before field validation so a replayed capture is
	// rejected even when otherwise well-formed.
	eventTime, err := h.service.ParseEventTime(notification)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := notification.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.service.Ingest(r.Context(), notification, eventTime)
	if err != nil {
		// Nothing was persisted; a non-200 makes the rail redeliver.
		log.Printf("level=error component=webhook msg=\"ingest failed before persistence\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to record payment")
		return
	}

	description := "Accepted"
	if outcome.Duplicate {
		description = "Accepted (already processed)"
	}
	writeJSON(w, http.StatusOK, webhookAck{ResultCode: ackCodeSuccess, ResultDescription: description})
}

// throttled applies the optional per-source rate limit. Throttled deliveries are
// acknowledged with a non-zero resultCode rather than an HTTP error: the payment
// already happened on the rail and a 429 would only trigger a retry storm. Redis
// failures fail open.
func (h *PaymentHandlers) throttled(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil || h.rateLimitPerMinute <= 0 {
		return false
	}
	source, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		source = r.RemoteAddr
	}
	exceeded, retryAfter, err := h.limiter.Consume(r.Context(), "mpesa_c2b", source, h.rateLimitPerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"rate limit check failed; allowing delivery\" err=%v", err)
		return false
	}
	if !exceeded {
		return false
	}
	log.Printf("level=warn component=webhook msg=\"throttled delivery\" source=%s retry_after_s=%d", source, retryAfter)
	writeJSON(w, http.StatusOK, webhookAck{ResultCode: ackCodeThrottled, ResultDescription: "Throttled, retry later"})
	return true
}

// ListReviewQueueHandler returns events awaiting operator resolution, with their
// deferral reasons and ranked candidates.
func (h *PaymentHandlers) ListReviewQueueHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	items, err := h.service.ListReviewQueue(r.Context(), limit, offset)
	if err != nil {
		log.Printf("level=error component=review msg=\"failed to list review queue\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to list review queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetEventHandler returns a single payment event by id.
func (h *PaymentHandlers) GetEventHandler(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	event, err := h.service.GetEvent(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "payment event not found")
			return
		}
		log.Printf("level=error component=review msg=\"failed to load payment event\" event_id=%s err=%v", eventID, err)
		writeError(w, http.StatusInternalServerError, "failed to load payment event")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

type manualMatchRequest struct {
	InvoiceID string `json:"invoice_id"`
}

// ManualMatchHandler applies an operator's explicit match decision to a deferred
// event.
func (h *PaymentHandlers) ManualMatchHandler(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req manualMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	invoiceID, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invoice id")
		return
	}

	result, err := h.service.ManualMatch(r.Context(), eventID, invoiceID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEventNotFound):
			writeError(w, http.StatusNotFound, "payment event not found")
		case errors.Is(err, store.ErrInvoiceNotFound):
			writeError(w, http.StatusNotFound, "invoice not found")
		case errors.Is(err, store.ErrEventFinalized):
			writeError(w, http.StatusConflict, "payment event is already matched")
		case errors.Is(err, store.ErrInvoiceNotPending):
			writeError(w, http.StatusConflict, "invoice is not pending")
		default:
			log.Printf("level=error component=review msg=\"manual match failed\" event_id=%s err=%v", eventID, err)
			writeError(w, http.StatusInternalServerError, "failed to apply manual match")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HealthHandler reports liveness.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON is a helper to write a JSON response with a given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

// writeError is a helper to write a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
