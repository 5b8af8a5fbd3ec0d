package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/nyumbani/payments-service/internal/store"
	"github.com/shopspring/decimal"
)

type reconcileRepoStub struct {
	store.Repository

	referenceInvoice *domain.Invoice
	referenceErr     error
	candidates       []domain.InvoiceCandidate
	candidatesErr    error

	capturedPayeeID uuid.UUID
	capturedAmount  decimal.Decimal
	capturedStart   time.Time
	capturedEnd     time.Time
}

func (s *reconcileRepoStub) FindPendingInvoiceByReference(ctx context.Context, payeeID uuid.UUID, referenceCode string) (*domain.Invoice, error) {
	if s.referenceErr != nil {
		return nil, s.referenceErr
	}
	if s.referenceInvoice == nil {
		return nil, store.ErrInvoiceNotFound
	}
	return s.referenceInvoice, nil
}

func (s *reconcileRepoStub) FindCandidateInvoices(ctx context.Context, payeeID uuid.UUID, amount decimal.Decimal, windowStart time.Time, windowEnd time.Time) ([]domain.InvoiceCandidate, error) {
	s.capturedPayeeID = payeeID
	s.capturedAmount = amount
	s.capturedStart = windowStart
	s.capturedEnd = windowEnd
	if s.candidatesErr != nil {
		return nil, s.candidatesErr
	}
	return s.candidates, nil
}

func testEvent(amount string, txTime time.Time) *domain.PaymentEvent {
	return &domain.PaymentEvent{
		ID:                    uuid.New(),
		Provider:              ProviderMpesa,
		ExternalTransactionID: "TGH7SK61SV",
		Amount:                decimal.RequireFromString(amount),
		Currency:              "KES",
		PayerPhone:            "254712345678",
		ShortCode:             "600986",
		AccountRef:            "APT-4B",
		TransactionTime:       txTime,
		ReconciliationStatus:  domain.EventStatusReceived,
	}
}

func testChannel() *domain.PaymentChannel {
	return &domain.PaymentChannel{
		ID:          uuid.New(),
		PayeeID:     uuid.New(),
		ChannelType: "mpesa_paybill",
		ShortCode:   "600986",
		AccountRef:  "APT-4B",
		IsActive:    true,
	}
}

func candidate(amount string, dueDate time.Time, tenantPhone string) domain.InvoiceCandidate {
	c := domain.InvoiceCandidate{
		Invoice: domain.Invoice{
			ID:            uuid.New(),
			PayeeID:       uuid.New(),
			PayerID:       uuid.New(),
			Amount:        decimal.RequireFromString(amount),
			Currency:      "KES",
			DueDate:       dueDate,
			BillingPeriod: "2025-08",
			ReferenceCode: "INV-" + uuid.NewString()[:8],
			Status:        domain.InvoiceStatusPending,
		},
	}
	if tenantPhone != "" {
		c.TenantPhone = &tenantPhone
	}
	return c
}

func TestReconcile_Tier1ReferenceMatch(t *testing.T) {
	txTime := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	invoice := &domain.Invoice{ID: uuid.New(), ReferenceCode: "INV-2025-0042", Status: domain.InvoiceStatusPending}
	repo := &reconcileRepoStub{referenceInvoice: invoice}
	rc := NewReconciler(repo, DefaultMatchPolicy())

	event := testEvent("25000.00", txTime)
	ref := "INV-2025-0042"
	event.InvoiceRef = &ref

	result := rc.Reconcile(context.Background(), event, testChannel())
	if !result.Matched {
		t.Fatalf("expected match, got deferral with reasons %v", result.Reasons)
	}
	if result.Method != domain.MatchMethodReferenceCode {
		t.Fatalf("expected method %s, got %s", domain.MatchMethodReferenceCode, result.Method)
	}
	if result.ConfidenceScore != 100 {
		t.Fatalf("expected confidence 100, got %d", result.ConfidenceScore)
	}
	if result.MatchedInvoiceID == nil || *result.MatchedInvoiceID != invoice.ID {
		t.Fatalf("expected matched invoice %s, got %v", invoice.ID, result.MatchedInvoiceID)
	}
}

func TestReconcile_Tier1LookupErrorDefers(t *testing.T) {
	txTime := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	repo := &reconcileRepoStub{referenceErr: errors.New("connection reset")}
	rc := NewReconciler(repo, DefaultMatchPolicy())

	event := testEvent("25000.00", txTime)
	ref := "INV-2025-0042"
	event.InvoiceRef = &ref

	result := rc.Reconcile(context.Background(), event, testChannel())
	if result.Matched {
		t.Fatal("expected deferral on internal lookup error")
	}
	if len(result.Reasons) == 0 {
		t.Fatal("expected a recorded reason")
	}
}

func TestReconcile_WindowAndAmountPassedToStore(t *testing.T) {
	txTime := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	repo := &reconcileRepoStub{}
	rc := NewReconciler(repo, DefaultMatchPolicy())
	channel := testChannel()

	rc.Reconcile(context.Background(), testEvent("24999.00", txTime), channel)

	if !repo.capturedAmount.Equal(decimal.RequireFromString("24999.00")) {
		t.Fatalf("expected exact amount 24999.00 passed to store, got %s", repo.capturedAmount)
	}
	if repo.capturedPayeeID != channel.PayeeID {
		t.Fatalf("expected payee %s, got %s", channel.PayeeID, repo.capturedPayeeID)
	}
	wantStart := txTime.Add(-72 * time.Hour)
	wantEnd := txTime.Add(72 * time.Hour)
	if !repo.capturedStart.Equal(wantStart) || !repo.capturedEnd.Equal(wantEnd) {
		t.Fatalf("expected window [%s, %s], got [%s, %s]", wantStart, wantEnd, repo.capturedStart, repo.capturedEnd)
	}
}

func TestReconcile_NoCandidatesDefers(t *testing.T) {
	txTime := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	repo := &reconcileRepoStub{}
	rc := NewReconciler(repo, DefaultMatchPolicy())

	result := rc.Reconcile(context.Background(), testEvent("25000.00", txTime), testChannel())
	if result.Matched {
		t.Fatal("expected deferral with no candidates")
	}
	if len(result.Reasons) != 1 || result.Reasons[0] != "no candidate invoice found" {
		t.Fatalf("expected reason 'no candidate invoice found', got %v", result.Reasons)
	}
}

func TestReconcile_SingleCandidateAutoMatch(t *testing.T) {
	txTime := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	only := candidate("25000.00", txTime.Add(24*time.Hour), "")
	repo := &reconcileRepoStub{candidates: []domain.InvoiceCandidate{only}}
	rc := NewReconciler(repo, DefaultMatchPolicy())

	result := rc.Reconcile(context.Background(), testEvent("25000.00", txTime), testChannel())
	if !result.Matched {
		t.Fatalf("expected match, got deferral with reasons %v", result.Reasons)
	}
	if result.Method != domain.MatchMethodHeuristicSingle {
		t.Fatalf("expected method %s, got %s", domain.MatchMethodHeuristicSingle, result.Method)
	}
	if result.ConfidenceScore != 90 {
		t.Fatalf("expected confidence 90, got %d", result.ConfidenceScore)
	}
	if result.MatchedInvoiceID == nil || *result.MatchedInvoiceID != only.ID {
		t.Fatalf("expected matched invoice %s, got %v", only.ID, result.MatchedInvoiceID)
	}
}

func TestReconcile_AmbiguousCandidatesDefer(t *testing.T) {
	txTime := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	a := candidate("25000.00", txTime.Add(24*time.Hour), "+254700000001")
	b := candidate("25000.00", txTime.Add(48*time.Hour), "+254700000002")
	repo := &reconcileRepoStub{candidates: []domain.InvoiceCandidate{a, b}}
	rc := NewReconciler(repo, DefaultMatchPolicy())

	// Event phone matches neither tenant.
	event := testEvent("25000.00", txTime)
	event.PayerPhone = "0799999999"

	result := rc.Reconcile(context.Background(), event, testChannel())
	if result.Matched {
		t.Fatal("expected deferral for two equally-likely candidates")
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("expected both candidates recorded, got %d", len(result.Candidates))
	}
	recorded := map[uuid.UUID]bool{}
	for _, c := range result.Candidates {
		recorded[c.InvoiceID] = true
	}
	if !recorded[a.ID] || !recorded[b.ID] {
		t.Fatalf("expected candidate ids %s and %s, got %v", a.ID, b.ID, result.Candidates)
	}
	foundPhoneReason := false
	for _, reason := range result.Reasons {
		if reason == "no on-file phone match" {
			foundPhoneReason = true
		}
	}
	if !foundPhoneReason {
		t.Fatalf("expected 'no on-file phone match' among reasons %v", result.Reasons)
	}
}

func TestReconcile_PhoneDisambiguation(t *testing.T) {
	txTime := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	a := candidate("25000.00", txTime.Add(24*time.Hour), "+254712345678")
	b := candidate("25000.00", txTime.Add(48*time.Hour), "+254700000002")
	repo := &reconcileRepoStub{candidates: []domain.InvoiceCandidate{a, b}}
	rc := NewReconciler(repo, DefaultMatchPolicy())

	// National-format spelling of tenant A's on-file number.
	event := testEvent("25000.00", txTime)
	event.PayerPhone = "0712345678"

	result := rc.Reconcile(context.Background(), event, testChannel())
	if !result.Matched {
		t.Fatalf("expected phone disambiguation to match, got deferral with reasons %v", result.Reasons)
	}
	if result.Method != domain.MatchMethodHeuristicScored {
		t.Fatalf("expected method %s, got %s", domain.MatchMethodHeuristicScored, result.Method)
	}
	if result.MatchedInvoiceID == nil || *result.MatchedInvoiceID != a.ID {
		t.Fatalf("expected invoice %s, got %v", a.ID, result.MatchedInvoiceID)
	}
	if result.ConfidenceScore < 85 {
		t.Fatalf("expected confidence >= 85, got %d", result.ConfidenceScore)
	}
}

func TestScoreCandidates_CapsAtMaxConfidence(t *testing.T) {
	txTime := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	c := candidate("25000.00", txTime.Add(24*time.Hour), "+254712345678")
	event := testEvent("25000.00", txTime)
	event.PayerPhone = "+254712345678"

	scored, phoneMatched := scoreCandidates(event, []domain.InvoiceCandidate{c}, DefaultMatchPolicy())
	if !phoneMatched {
		t.Fatal("expected phone match")
	}
	if scored[0].Score != 100 {
		t.Fatalf("expected score capped at 100, got %d", scored[0].Score)
	}
}
