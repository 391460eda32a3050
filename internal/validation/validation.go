// Package validation checks and sanitizes API input before any risk or
// fraud computation runs on it.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength caps free-text fields.
const MaxStringLength = 10000

// MinAmount is the smallest transferable amount.
var MinAmount = decimal.RequireFromString("0.01")

// MaxAmount is the largest amount accepted in a single request.
var MaxAmount = decimal.NewFromInt(1_000_000_000_000)

var (
	tagRegex        = regexp.MustCompile(`<[^>]*>`)
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)
	// Plain notation only: exponents would make decimal arithmetic unbounded.
	amountRegex = regexp.MustCompile(`^-?\d{1,15}(\.\d{1,8})?$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString strips markup and null bytes, trims and caps the length.
func SanitizeString(s string, maxLen int) string {
	s = tagRegex.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError is one failed field rule.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Abort writes a 400 with the collected failures.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":  "Validation failed",
		"errors": errs,
	})
}

// Required checks that a field is non-empty.
func Required(field, value, message string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}

// AnyOf checks that at least one of values is non-empty.
func AnyOf(field, message string, values ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, v := range values {
			if strings.TrimSpace(v) != "" {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: message}
	}
}

// Identifier checks that a non-empty value looks like an account id or number.
func Identifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || identifierRegex.MatchString(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "invalid identifier format"}
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks that value is a plain decimal between MinAmount and
// MaxAmount with at most two fractional digits.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		value = strings.TrimSpace(value)
		if !amountRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if d.LessThan(MinAmount) {
			return &ValidationError{Field: field, Message: "Amount must be greater than 0"}
		}
		if d.GreaterThan(MaxAmount) {
			return &ValidationError{Field: field, Message: "amount exceeds maximum"}
		}
		if !d.Equal(d.Round(2)) {
			return &ValidationError{Field: field, Message: "amount has more than two decimal places"}
		}
		return nil
	}
}
