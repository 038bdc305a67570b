// Package validation provides request validation helpers for the relayer API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB). Proofs are a few KB.
const MaxRequestSize = 1 << 20

// MaxDescriptionLength bounds free-text commitment descriptions.
const MaxDescriptionLength = 10000

var unsignedRegex = regexp.MustCompile(`^[0-9]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsUnsignedInteger reports whether s is a base-10 unsigned integer.
func IsUnsignedInteger(s string) bool {
	return unsignedRegex.MatchString(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// UnsignedAmount checks that a smallest-unit amount is a base-10 unsigned integer.
func UnsignedAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsUnsignedInteger(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be an unsigned integer in the token's smallest unit"}
		}
		return nil
	}
}

// ContainsDigits checks that a description carries the digit run a
// commitment hash is derived from.
func ContainsDigits(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !strings.ContainsAny(value, "0123456789") {
			return &ValidationError{Field: field, Message: "must contain a number"}
		}
		return nil
	}
}
