// Package reference builds the bank-transfer references tenants put on their
// transfers and checks account numbers for the operating region.
//
// References truncate the tenant id to eight characters. Two tenants whose ids
// share a prefix get the same reference for the same month; the store's unique
// index on payment_reference turns that into a conflict rather than a silent
// mismatch. The format is fixed by the bank-side matching rules and is not
// changed to work around it.
package reference

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	prefix        = "RENT"
	tenantIDChars = 8
)

// Generate returns RENT-{YYYYMM}-{first 8 characters of tenantID, uppercased}.
// Characters are counted as runes so a multi-byte id is never cut mid-rune.
func Generate(tenantID string, billingMonth time.Time) string {
	id := []rune(tenantID)
	if len(id) > tenantIDChars {
		id = id[:tenantIDChars]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, billingMonth.UTC().Format("200601"), strings.ToUpper(string(id)))
}

var referencePattern = regexp.MustCompile(`^RENT-\d{6}-[A-Z0-9-]{1,8}$`)

// Normalize uppercases and trims a reference copied off a bank statement.
func Normalize(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// LooksLikeReference reports whether ref has the generated shape.
func LooksLikeReference(ref string) bool {
	return referencePattern.MatchString(Normalize(ref))
}

// accountPattern is the fixed-length account number layout: two-letter
// country code, two check digits, sixteen alphanumerics.
var accountPattern = regexp.MustCompile(`^[A-Z]{2}\d{2}[A-Z0-9]{16}$`)

// Validator checks account numbers for one banking region
type Validator struct {
	region string
}

// NewValidator returns a validator for the given two-letter country code.
// An empty region accepts any country prefix.
func NewValidator(region string) *Validator {
	return &Validator{region: strings.ToUpper(strings.TrimSpace(region))}
}

// ValidateBankAccountNumber checks the format only. The mod-97 checksum is
// not verified.
func (v *Validator) ValidateBankAccountNumber(value string) bool {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(value), " ", ""))
	if !accountPattern.MatchString(normalized) {
		return false
	}
	return v.region == "" || normalized[:2] == v.region
}
