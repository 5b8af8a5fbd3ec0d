/**
 * @description
 * The tiered reconciliation engine. Given a persisted payment event and the payee
 * resolved from the channel registry, it identifies the one invoice the payment
 * satisfies or explicitly defers to the operator review queue. Tiers run in order
 * and the first confident result wins:
 *
 *   Tier 1 - deterministic reference match (confidence 100)
 *   Tier 2 - heuristic single-candidate match (confidence 90)
 *   Tier 3 - scored multi-candidate match (confidence = score, gated by the
 *            auto-match threshold and the ambiguity gap)
 *
 * The engine never returns an error: any internal failure during lookup or scoring
 * degrades to a pending_review deferral, because by the time it runs the event is
 * durably persisted and the rail has already been promised a success response.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nyumbani/payments-service/internal/config"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/nyumbani/payments-service/internal/store"
)

const maxConfidence = 100

// MatchPolicy carries the tunable reconciliation thresholds. The defaults mirror
// production configuration but nothing in the engine depends on these exact
// values for correctness.
type MatchPolicy struct {
	MatchWindow        time.Duration
	DueSoonWindow      time.Duration
	AutoMatchThreshold int
	AmbiguityGap       int
	ScoreBase          int
	ScorePhoneWeight   int
	ScoreDueSoonWeight int
	ScoreAmountWeight  int
	PhoneRegion        string
}

// DefaultMatchPolicy returns the production defaults: a 72-hour candidate window,
// auto-match at 85 with a 20-point gap, and 60/30/10/10 scoring weights.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		MatchWindow:        72 * time.Hour,
		DueSoonWindow:      7 * 24 * time.Hour,
		AutoMatchThreshold: 85,
		AmbiguityGap:       20,
		ScoreBase:          60,
		ScorePhoneWeight:   30,
		ScoreDueSoonWeight: 10,
		ScoreAmountWeight:  10,
		PhoneRegion:        "KE",
	}
}

// MatchPolicyFromConfig builds the engine policy from loaded configuration.
func MatchPolicyFromConfig(cfg config.Config) MatchPolicy {
	return MatchPolicy{
		MatchWindow:        time.Duration(cfg.MatchWindowHours) * time.Hour,
		DueSoonWindow:      time.Duration(cfg.DueSoonWindowHours) * time.Hour,
		AutoMatchThreshold: cfg.AutoMatchThreshold,
		AmbiguityGap:       cfg.AmbiguityGap,
		ScoreBase:          cfg.ScoreBase,
		ScorePhoneWeight:   cfg.ScorePhoneWeight,
		ScoreDueSoonWeight: cfg.ScoreDueSoonWeight,
		ScoreAmountWeight:  cfg.ScoreAmountWeight,
		PhoneRegion:        cfg.DefaultPhoneRegion,
	}
}

// Reconciler runs the tiered matcher against the invoice store.
type Reconciler struct {
	repo   store.Repository
	policy MatchPolicy
}

// NewReconciler creates a reconciler with the given policy.
func NewReconciler(repo store.Repository, policy MatchPolicy) *Reconciler {
	return &Reconciler{repo: repo, policy: policy}
}

// Reconcile resolves the event to a single invoice or defers. The returned
// result always carries reasons; deferrals additionally carry the ranked
// candidates the engine considered.
func (rc *Reconciler) Reconcile(ctx context.Context, event *domain.PaymentEvent, channel *domain.PaymentChannel) *domain.ReconciliationResult {
	// Tier 1: deterministic reference match. Only some rail variants deliver a
	// free-text reference; absence simply advances to the heuristics.
	if event.InvoiceRef != nil && *event.InvoiceRef != "" {
		invoice, err := rc.repo.FindPendingInvoiceByReference(ctx, channel.PayeeID, *event.InvoiceRef)
		switch {
		case err == nil:
			return matchedResult(event, invoice.ID, domain.MatchMethodReferenceCode, maxConfidence,
				fmt.Sprintf("invoice reference %s matched exactly", invoice.ReferenceCode))
		case !errors.Is(err, store.ErrInvoiceNotFound):
			log.Printf("level=error component=reconciler msg=\"reference lookup failed\" event_id=%s err=%v", event.ID, err)
			return deferredResult(event, nil, "invoice reference lookup failed")
		}
	}

	// Tier 2: filter to exact-amount pending invoices due inside the window.
	windowStart := event.TransactionTime.Add(-rc.policy.MatchWindow)
	windowEnd := event.TransactionTime.Add(rc.policy.MatchWindow)
	candidates, err := rc.repo.FindCandidateInvoices(ctx, channel.PayeeID, event.Amount, windowStart, windowEnd)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"candidate lookup failed\" event_id=%s err=%v", event.ID, err)
		return deferredResult(event, nil, "candidate invoice lookup failed")
	}
	if len(candidates) == 0 {
		return deferredResult(event, nil, "no candidate invoice found")
	}
	if len(candidates) == 1 {
		return matchedResult(event, candidates[0].ID, domain.MatchMethodHeuristicSingle, 90,
			"single pending invoice with exact amount due within the match window")
	}

	// Tier 3: score and rank the remaining candidates.
	scored, phoneMatched := scoreCandidates(event, candidates, rc.policy)
	top, runnerUp := scored[0], scored[1]
	if top.Score >= rc.policy.AutoMatchThreshold && top.Score-runnerUp.Score >= rc.policy.AmbiguityGap {
		result := matchedResult(event, top.InvoiceID, domain.MatchMethodHeuristicScored, top.Score,
			fmt.Sprintf("top candidate %s scored %d, runner-up %d", top.ReferenceCode, top.Score, runnerUp.Score))
		result.Candidates = scored
		return result
	}

	var reasons []string
	if top.Score < rc.policy.AutoMatchThreshold {
		reasons = append(reasons, "no candidate reached the auto-match threshold")
	} else {
		reasons = append(reasons, "two equally-likely candidates")
	}
	if !phoneMatched {
		reasons = append(reasons, "no on-file phone match")
	}
	return deferredResult(event, scored, reasons...)
}

// scoreCandidates ranks candidates for Tier 3. Every candidate already passed the
// exact-amount and window filters, so scoring starts from the base plus the amount
// weight and adds the phone and due-soon signals. Scores cap at 100 because they
// double as the recorded confidence.
func scoreCandidates(event *domain.PaymentEvent, candidates []domain.InvoiceCandidate, policy MatchPolicy) ([]domain.ScoredCandidate, bool) {
	scored := make([]domain.ScoredCandidate, 0, len(candidates))
	phoneMatched := false
	for _, c := range candidates {
		score := policy.ScoreBase + policy.ScoreAmountWeight
		if c.TenantPhone != nil && SameMSISDN(event.PayerPhone, *c.TenantPhone, policy.PhoneRegion) {
			score += policy.ScorePhoneWeight
			phoneMatched = true
		}
		if absDuration(c.DueDate.Sub(event.TransactionTime)) <= policy.DueSoonWindow {
			score += policy.ScoreDueSoonWeight
		}
		if score > maxConfidence {
			score = maxConfidence
		}
		scored = append(scored, domain.ScoredCandidate{
			InvoiceID:     c.ID,
			ReferenceCode: c.ReferenceCode,
			Score:         score,
		})
	}
	// Rank descending; break ties deterministically so replays rank identically.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].InvoiceID.String() < scored[j].InvoiceID.String()
	})
	return scored, phoneMatched
}

func matchedResult(event *domain.PaymentEvent, invoiceID uuid.UUID, method string, confidence int, reason string) *domain.ReconciliationResult {
	id := invoiceID
	return &domain.ReconciliationResult{
		PaymentEventID:   event.ID,
		Matched:          true,
		MatchedInvoiceID: &id,
		Method:           method,
		ConfidenceScore:  confidence,
		Reasons:          []string{reason},
		MatchedAt:        time.Now().UTC(),
	}
}

func deferredResult(event *domain.PaymentEvent, candidates []domain.ScoredCandidate, reasons ...string) *domain.ReconciliationResult {
	return &domain.ReconciliationResult{
		PaymentEventID: event.ID,
		Matched:        false,
		Reasons:        reasons,
		Candidates:     candidates,
		MatchedAt:      time.Now().UTC(),
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
