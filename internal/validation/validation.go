// Package validation provides input validation middleware for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/escrowhq/escrowd/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxDeliverables is the maximum number of deliverable entries per submission
const MaxDeliverables = 50

var (
	// partyIDRegex validates party identifiers (pty_ + hex)
	partyIDRegex = regexp.MustCompile(`^pty_[a-f0-9]{8,64}$`)
	// txnIDRegex validates transaction identifiers (txn_ + hex)
	txnIDRegex = regexp.MustCompile(`^txn_[a-f0-9]{8,64}$`)
	// urlRegex is a loose check for deliverable URLs
	urlRegex = regexp.MustCompile(`^https?://\S+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPartyID checks if a string is a well-formed party ID
func IsValidPartyID(id string) bool {
	return partyIDRegex.MatchString(id)
}

// IsValidTransactionID checks if a string is a well-formed transaction ID
func IsValidTransactionID(id string) bool {
	return txnIDRegex.MatchString(id)
}

// IsValidURL is a loose sanity check for deliverable URLs
func IsValidURL(s string) bool {
	return len(s) <= MaxStringLength && urlRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
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

// ValidParty checks if a field is a well-formed party ID
func ValidParty(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidPartyID(value) {
			return &ValidationError{Field: field, Message: "must be a valid party ID (pty_...)"}
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

// ValidAmount checks if a value is a valid positive amount
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		amt, ok := money.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if amt.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// TransactionParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups with :id params to reject malformed transaction IDs early.
func TransactionParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidTransactionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_transaction_id",
				"message": "transaction ID must be txn_ followed by hex characters",
			})
			return
		}
		c.Next()
	}
}
