/**
 * @description
 * MSISDN normalization for heuristic phone scoring. Payers reach the rail through
 * several equivalent spellings of the same number ("0712345678",
 * "+254712345678", "254712345678"); tenant records carry yet another. Both sides
 * are normalized to E.164 before comparison so the variants collapse.
 *
 * @dependencies
 * - github.com/ttacon/libphonenumber: Google's libphonenumber port, used for
 *   parsing and E.164 formatting against a default region.
 */

package app

import (
	"strings"

	"github.com/ttacon/libphonenumber"
)

// Length of the national significant number on the supported rails (Kenyan
// mobile numbers). Used only by the suffix fallback when a value does not parse.
const msisdnSuffixLen = 9

// NormalizeMSISDN returns the E.164 form of a phone number, trying the raw value
// first and then the digits with an international prefix. Input that never parses
// degrades to its bare digits so callers still get a stable comparison key.
func NormalizeMSISDN(raw string, region string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if formatted, ok := formatE164(trimmed, region); ok {
		return formatted
	}
	digits := digitsOnly(trimmed)
	if digits == "" {
		return ""
	}
	// "254712345678" without a plus parses as an overlong national number; retry
	// with the international prefix before giving up.
	if formatted, ok := formatE164("+"+digits, region); ok {
		return formatted
	}
	return digits
}

// SameMSISDN reports whether two phone numbers identify the same subscriber after
// normalization. When either side resisted E.164 normalization, the trailing
// national digits are compared instead.
func SameMSISDN(a string, b string, region string) bool {
	na := NormalizeMSISDN(a, region)
	nb := NormalizeMSISDN(b, region)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	da := digitsOnly(na)
	db := digitsOnly(nb)
	if len(da) >= msisdnSuffixLen && len(db) >= msisdnSuffixLen {
		return da[len(da)-msisdnSuffixLen:] == db[len(db)-msisdnSuffixLen:]
	}
	return false
}

func formatE164(value string, region string) (string, bool) {
	num, err := libphonenumber.Parse(value, region)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return "", false
	}
	return libphonenumber.Format(num, libphonenumber.E164), true
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
