/**
 * @description
 * This file defines the rail-native C2B notification payload and the logic that
 * turns an untrusted HTTP request into a validated notification: transport-shape
 * handling (JSON body or query parameters), required-field validation, and the
 * fixed-offset timestamp parse.
 *
 * @notes
 * - Field names follow the rail's own naming (TransID, TransTime, ...); mapping to
 *   internal names happens when the PaymentEvent is built.
 * - Some paybill variants deliver the same fields as query parameters instead of a
 *   JSON body, so both shapes decode into the same struct.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransTimeLayout is the rail's local timestamp format (e.g. "20260830142501").
const TransTimeLayout = "20060102150405"

// C2BNotification carries the fields of one customer-to-business payment
// notification as delivered by the rail.
type C2BNotification struct {
	TransactionType   string `json:"TransactionType,omitempty"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	InvoiceRef        string `json:"InvoiceRef,omitempty"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName,omitempty"`
	LastName          string `json:"LastName,omitempty"`
	OrgAccountBalance string `json:"OrgAccountBalance,omitempty"`
}

// DecodeC2BNotification reads a notification from either transport shape. A
// non-empty body is decoded as JSON; otherwise the same fields are read from the
// query string.
func DecodeC2BNotification(r *http.Request) (*C2BNotification, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	var n C2BNotification
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, fmt.Errorf("decode notification payload: %w", err)
		}
		return &n, nil
	}

	q := r.URL.Query()
	n = C2BNotification{
		TransactionType:   q.Get("TransactionType"),
		TransID:           q.Get("TransID"),
		TransTime:         q.Get("TransTime"),
		TransAmount:       q.Get("TransAmount"),
		BusinessShortCode: q.Get("BusinessShortCode"),
		BillRefNumber:     q.Get("BillRefNumber"),
		InvoiceRef:        q.Get("InvoiceRef"),
		MSISDN:            q.Get("MSISDN"),
		FirstName:         q.Get("FirstName"),
		LastName:          q.Get("LastName"),
		OrgAccountBalance: q.Get("OrgAccountBalance"),
	}
	return &n, nil
}

// Validate checks that every field required for ingestion is present. It reports
// all missing fields at once so the rail's integration team sees the full picture
// in one response.
func (n *C2BNotification) Validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"TransID", n.TransID},
		{"TransTime", n.TransTime},
		{"TransAmount", n.TransAmount},
		{"BusinessShortCode", n.BusinessShortCode},
		{"BillRefNumber", n.BillRefNumber},
		{"MSISDN", n.MSISDN},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if _, err := n.Amount(); err != nil {
		return err
	}
	return nil
}

// ParseTransTime interprets the rail's local timestamp in the given fixed-offset
// location and returns the absolute instant in UTC.
func (n *C2BNotification) ParseTransTime(loc *time.Location) (time.Time, error) {
	raw := strings.TrimSpace(n.TransTime)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing TransTime")
	}
	t, err := time.ParseInLocation(TransTimeLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed TransTime %q: %w", raw, err)
	}
	return t.UTC(), nil
}

// Amount parses the rail's decimal amount string.
func (n *C2BNotification) Amount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(n.TransAmount))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("malformed TransAmount %q", n.TransAmount)
	}
	if amount.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("non-positive TransAmount %q", n.TransAmount)
	}
	return amount, nil
}

// PayerName joins the rail's name fields, returning nil when the rail sent none.
func (n *C2BNotification) PayerName() *string {
	name := strings.TrimSpace(strings.TrimSpace(n.FirstName) + " " + strings.TrimSpace(n.LastName))
	if name == "" {
		return nil
	}
	return &name
}

// RawFields returns the delivered fields as a flat map for opaque storage on the
// PaymentEvent.
func (n *C2BNotification) RawFields() map[string]string {
	fields := map[string]string{
		"TransactionType":   n.TransactionType,
		"TransID":           n.TransID,
		"TransTime":         n.TransTime,
		"TransAmount":       n.TransAmount,
		"BusinessShortCode": n.BusinessShortCode,
		"BillRefNumber":     n.BillRefNumber,
		"InvoiceRef":        n.InvoiceRef,
		"MSISDN":            n.MSISDN,
		"FirstName":         n.FirstName,
		"LastName":          n.LastName,
		"OrgAccountBalance": n.OrgAccountBalance,
	}
	for k, v := range fields {
		if strings.TrimSpace(v) == "" {
			delete(fields, k)
		}
	}
	return fields
}
