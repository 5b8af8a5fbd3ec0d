package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/shopspring/decimal"
)

// The query-text tests below guard invariants that only surface at runtime
// against a live database: argument casts and column qualification.

func TestInsertQuery_CastsRawPayloadToJSONB(t *testing.T) {
	if !strings.Contains(insertPaymentEventQuery, "$12::jsonb") {
		t.Fatal("expected the raw payload argument to carry an explicit ::jsonb cast")
	}
}

func TestReviewQueueQuery_QualifiesSharedColumns(t *testing.T) {
	// Columns that exist on both sides of the join; any unqualified reference is
	// ambiguous and fails at parse time.
	for _, column := range []string{"matched_invoice_id", "confidence_score"} {
		total := strings.Count(reviewQueueQuery, column)
		qualified := strings.Count(reviewQueueQuery, "pe."+column) + strings.Count(reviewQueueQuery, "rr."+column)
		if total == 0 {
			t.Fatalf("expected column %s in the review queue query", column)
		}
		if total != qualified {
			t.Fatalf("expected every %s reference qualified, got %d of %d", column, qualified, total)
		}
	}
}

func TestRecordMatchGuard_AdmitsUnmatchedChannel(t *testing.T) {
	if !strings.Contains(recordMatchEventQuery, "'unmatched_channel'") {
		t.Fatal("expected the event guard to admit unmatched_channel for manual promotion")
	}
}

// setupStoreTest connects to the database named by TEST_DATABASE_URL, recreates
// the schema, and returns a repository. Tests are skipped when no database is
// configured. The pool mirrors production: simple query protocol.
func setupStoreTest(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping store integration tests")
	}

	ctx := context.Background()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("invalid TEST_DATABASE_URL: %v", err)
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("schema.sql")
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS reconciliation_results, payment_events, payment_channels, invoices, tenants CASCADE`); err != nil {
		t.Fatalf("failed to drop tables: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return NewPostgresRepository(pool)
}

func storeEvent(externalTransactionID string) *domain.PaymentEvent {
	return &domain.PaymentEvent{
		ID:                    uuid.New(),
		Provider:              "mpesa",
		ExternalTransactionID: externalTransactionID,
		Amount:                decimal.RequireFromString("25000.00"),
		Currency:              "KES",
		PayerPhone:            "254712345678",
		ShortCode:             "600986",
		AccountRef:            "APT-4B",
		TransactionTime:       time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC),
		RawPayload: map[string]string{
			"TransID":   externalTransactionID,
			"TransTime": "20250812143000",
		},
		ReconciliationStatus: domain.EventStatusReceived,
	}
}

func seedInvoice(t *testing.T, repo *PostgresRepository, payeeID uuid.UUID, referenceCode string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tenantID := uuid.New()
	if _, err := repo.db.Exec(ctx,
		`INSERT INTO tenants (id, full_name, phone) VALUES ($1, $2, $3)`,
		tenantID, "Jane Wanjiku", "+254712345678"); err != nil {
		t.Fatalf("failed to seed tenant: %v", err)
	}
	invoiceID := uuid.New()
	if _, err := repo.db.Exec(ctx, `
		INSERT INTO invoices (id, payee_id, payer_id, amount, currency, due_date, billing_period, reference_code, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
	`, invoiceID, payeeID, tenantID, "25000.00", "KES",
		time.Date(2025, 8, 13, 0, 0, 0, 0, time.UTC), "2025-08", referenceCode); err != nil {
		t.Fatalf("failed to seed invoice: %v", err)
	}
	return invoiceID
}

func TestPostgresInsertPaymentEvent_StoresPayloadAndDeduplicates(t *testing.T) {
	repo := setupStoreTest(t)
	ctx := context.Background()

	event := storeEvent("TGH7SK61SV")
	inserted, err := repo.InsertPaymentEvent(ctx, event)
	if err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	if !inserted {
		t.Fatal("expected first delivery to insert")
	}

	// The raw payload must land as queryable JSON, not an opaque byte blob.
	var transID string
	err = repo.db.QueryRow(ctx,
		`SELECT raw_payload->>'TransID' FROM payment_events WHERE id = $1`, event.ID).Scan(&transID)
	if err != nil {
		t.Fatalf("expected raw_payload to be queryable jsonb, got %v", err)
	}
	if transID != "TGH7SK61SV" {
		t.Fatalf("expected TransID TGH7SK61SV in raw_payload, got %q", transID)
	}

	duplicate := storeEvent("TGH7SK61SV")
	inserted, err = repo.InsertPaymentEvent(ctx, duplicate)
	if err != nil {
		t.Fatalf("expected duplicate insert to be absorbed, got %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate delivery not to insert")
	}

	loaded, err := repo.FindPaymentEventByID(ctx, event.ID)
	if err != nil {
		t.Fatalf("expected event load to succeed, got %v", err)
	}
	if !loaded.Amount.Equal(event.Amount) {
		t.Fatalf("expected amount %s, got %s", event.Amount, loaded.Amount)
	}
}

func TestPostgresListEventsForReview(t *testing.T) {
	repo := setupStoreTest(t)
	ctx := context.Background()

	event := storeEvent("TGH7SK61SV")
	if _, err := repo.InsertPaymentEvent(ctx, event); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}

	result := &domain.ReconciliationResult{
		PaymentEventID: event.ID,
		Matched:        false,
		Reasons:        []string{"no candidate invoice found"},
		Candidates: []domain.ScoredCandidate{
			{InvoiceID: uuid.New(), ReferenceCode: "INV-2025-0042", Score: 80},
		},
		MatchedAt: time.Now().UTC(),
	}
	if err := repo.RecordReview(ctx, result); err != nil {
		t.Fatalf("expected review deferral to record, got %v", err)
	}

	items, err := repo.ListEventsForReview(ctx, 0, 0)
	if err != nil {
		t.Fatalf("expected review listing to succeed, got %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one review item, got %d", len(items))
	}
	if items[0].Event.ID != event.ID {
		t.Fatalf("expected event %s, got %s", event.ID, items[0].Event.ID)
	}
	if len(items[0].Reasons) != 1 || items[0].Reasons[0] != "no candidate invoice found" {
		t.Fatalf("expected recorded reasons, got %v", items[0].Reasons)
	}
	if len(items[0].Candidates) != 1 || items[0].Candidates[0].Score != 80 {
		t.Fatalf("expected recorded candidates, got %v", items[0].Candidates)
	}
}

func TestPostgresRecordMatch_PendingGuard(t *testing.T) {
	repo := setupStoreTest(t)
	ctx := context.Background()

	payeeID := uuid.New()
	invoiceID := seedInvoice(t, repo, payeeID, "INV-2025-0042")

	first := storeEvent("TGH7SK61SV")
	second := storeEvent("TGH7SK62AA")
	for _, event := range []*domain.PaymentEvent{first, second} {
		if _, err := repo.InsertPaymentEvent(ctx, event); err != nil {
			t.Fatalf("expected insert to succeed, got %v", err)
		}
	}

	paidAt := first.TransactionTime
	result := &domain.ReconciliationResult{
		PaymentEventID:   first.ID,
		Matched:          true,
		MatchedInvoiceID: &invoiceID,
		Method:           domain.MatchMethodReferenceCode,
		ConfidenceScore:  100,
		Reasons:          []string{"invoice reference INV-2025-0042 matched exactly"},
		MatchedAt:        time.Now().UTC(),
	}
	if err := repo.RecordMatch(ctx, result, paidAt); err != nil {
		t.Fatalf("expected match to record, got %v", err)
	}

	invoice, err := repo.FindInvoiceByID(ctx, invoiceID)
	if err != nil {
		t.Fatalf("expected invoice load to succeed, got %v", err)
	}
	if invoice.Status != domain.InvoiceStatusPaid {
		t.Fatalf("expected invoice paid, got %s", invoice.Status)
	}
	if invoice.PaidAt == nil || !invoice.PaidAt.Equal(paidAt) {
		t.Fatalf("expected paid_at %s, got %v", paidAt, invoice.PaidAt)
	}

	// A second event must not double-credit the settled invoice.
	rematch := &domain.ReconciliationResult{
		PaymentEventID:   second.ID,
		Matched:          true,
		MatchedInvoiceID: &invoiceID,
		Method:           domain.MatchMethodReferenceCode,
		ConfidenceScore:  100,
		MatchedAt:        time.Now().UTC(),
	}
	if err := repo.RecordMatch(ctx, rematch, second.TransactionTime); !errors.Is(err, ErrInvoiceNotPending) {
		t.Fatalf("expected ErrInvoiceNotPending, got %v", err)
	}
}

func TestPostgresRecordMatch_PromotesUnmatchedChannelEvent(t *testing.T) {
	repo := setupStoreTest(t)
	ctx := context.Background()

	payeeID := uuid.New()
	invoiceID := seedInvoice(t, repo, payeeID, "INV-2025-0042")

	event := storeEvent("TGH7SK61SV")
	if _, err := repo.InsertPaymentEvent(ctx, event); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	if err := repo.MarkUnmatchedChannel(ctx, event.ID); err != nil {
		t.Fatalf("expected unmatched_channel flag to apply, got %v", err)
	}

	// The channel gets registered afterwards and an operator matches by hand.
	result := &domain.ReconciliationResult{
		PaymentEventID:   event.ID,
		Matched:          true,
		MatchedInvoiceID: &invoiceID,
		Method:           domain.MatchMethodManual,
		ConfidenceScore:  100,
		Reasons:          []string{"manually matched by operator"},
		MatchedAt:        time.Now().UTC(),
	}
	if err := repo.RecordMatch(ctx, result, event.TransactionTime); err != nil {
		t.Fatalf("expected manual promotion from unmatched_channel, got %v", err)
	}

	loaded, err := repo.FindPaymentEventByID(ctx, event.ID)
	if err != nil {
		t.Fatalf("expected event load to succeed, got %v", err)
	}
	if loaded.ReconciliationStatus != domain.EventStatusMatched {
		t.Fatalf("expected event matched, got %s", loaded.ReconciliationStatus)
	}
}
