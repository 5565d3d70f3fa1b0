// Package validation checks untrusted transaction fields and request
// parameters before they reach the engine.
package validation

import (
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxFieldLength caps free-text fields such as merchant and location.
const MaxFieldLength = 1000

// MaxIDLength matches the VARCHAR(255) id columns, counted in characters.
const MaxIDLength = 255

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects requests whose named URL parameter is not a
// well-formed id.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + param,
				"message": param + " contains invalid characters or is too long",
			})
			return
		}
		c.Next()
	}
}

// IsValidID reports whether s is a usable transaction or user id: non-empty
// valid UTF-8 of at most MaxIDLength characters without control characters.
// Spaces and punctuation are allowed.
func IsValidID(s string) bool {
	if s == "" || !utf8.ValidString(s) || utf8.RuneCountInString(s) > MaxIDLength {
		return false
	}
	return strings.IndexFunc(s, unicode.IsControl) < 0
}

// Clean trims s and drops control characters other than tab. Length is left
// to MaxLength so oversized values are rejected rather than cut.
func Clean(s string) string {
	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\t') {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string { return e.Field + " " + e.Message }

// Errors collects every failed check, in check order.
type Errors []*FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return strings.Join(parts, "; ")
}

// First returns the first failure, or nil.
func (e Errors) First() *FieldError {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}

// Check inspects one field and returns nil when it is acceptable.
type Check func() *FieldError

// Run runs every check and returns the failures.
func Run(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, fe)
		}
	}
	return errs
}

// Required fails on a blank value.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ID fails on a non-empty value that is not a well-formed id. Combine with
// Required for mandatory ids.
func ID(field, value string) Check {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return &FieldError{Field: field, Message: "contains invalid characters or is too long"}
		}
		return nil
	}
}

// MaxLength fails when value has more than max runes.
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Amount parses a non-negative decimal amount into dst. Empty values are left
// to Required.
func Amount(field, value string, dst *decimal.Decimal) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &FieldError{Field: field, Message: "is not a number"}
		}
		if d.IsNegative() {
			return &FieldError{Field: field, Message: "must not be negative"}
		}
		*dst = d
		return nil
	}
}
