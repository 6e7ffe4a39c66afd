// Package validation checks and normalizes user-supplied fields.
package validation

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/mbd888/marketsettle/internal/faults"
)

// ErrInvalid classifies every ValidationErrors value.
var ErrInvalid = faults.New(faults.Validation, "validation failed")

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexRegex        = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex reports whether s is hex, with or without a 0x prefix.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString trims s, strips NUL bytes and truncates it to maxLen bytes
// without splitting a UTF-8 sequence.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// SanitizeAddress lowercases addr and adds a missing 0x prefix.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is every field rejected by one Validate call.
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Unwrap makes errors.Is(err, ErrInvalid) and faults.KindOf work.
func (e ValidationErrors) Unwrap() error { return ErrInvalid }

// Rule checks one field. It returns nil when the field is acceptable.
type Rule func() *FieldError

// Validate runs rules and returns the failures, or nil.
func Validate(rules ...Rule) error {
	var errs ValidationErrors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Address rejects non-empty values that are not addresses.
func Address(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidEthAddress(value) {
			return &FieldError{Field: field, Message: "must be a 0x-prefixed address"}
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive rejects values that are not strictly greater than zero.
func Positive(field string, value int64) Rule {
	return func() *FieldError {
		if value <= 0 {
			return &FieldError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}

// PositiveAmount rejects nil or non-positive token amounts.
func PositiveAmount(field string, value *big.Int) Rule {
	return func() *FieldError {
		if value == nil || value.Sign() <= 0 {
			return &FieldError{Field: field, Message: "must be a positive amount"}
		}
		return nil
	}
}
