// Package validation provides input validation helpers and middleware for the HTTP API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/tracking"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxReferenceLength bounds ledger reference IDs.
const MaxReferenceLength = 255

var (
	// ownerIDRegex accepts opaque account IDs issued by the identity provider
	ownerIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
	// referenceRegex accepts idempotency references such as ESCROW-HOLD-<orderID>
	referenceRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidOwnerID checks if a string is an acceptable owner identifier
func IsValidOwnerID(id string) bool {
	return ownerIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
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

// HasErrors reports whether any validator failed.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// OwnerID checks that a field is a well-formed owner identifier
func OwnerID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidOwnerID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '-', ':' or '.'"}
		}
		return nil
	}
}

// OneOf checks that a field holds one of the allowed values
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// PositiveAmount checks that a minor-unit amount is greater than zero
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// Reference checks that an idempotency reference is present and well formed
func Reference(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if len(value) > MaxReferenceLength || !referenceRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "invalid reference format"}
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

// TrackingID checks that a field parses as a tracking ID of type t
func TrackingID(field, value string, t tracking.EntityType) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if _, err := tracking.ParseAs(t, value); err != nil {
			return &ValidationError{Field: field, Message: "must be a " + t.Prefix() + "-YYYY-XXXXXX tracking id"}
		}
		return nil
	}
}

// OwnerParamMiddleware validates the :ownerId URL parameter on routes that use it.
func OwnerParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("ownerId")
		if id != "" && !IsValidOwnerID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_owner",
				"message": "ownerId must be 1-128 characters of letters, digits, '_', '-', ':' or '.'",
			})
			return
		}
		c.Next()
	}
}
