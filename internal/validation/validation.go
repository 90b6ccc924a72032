// Package validation provides input validation for the Orchard admin API.
package validation

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// slugRegex validates tenant slugs: 3-64 lowercase alphanumeric/hyphens,
	// starting and ending with an alphanumeric.
	slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)
	// emailRegex is a pragmatic email shape check, not full RFC 5322.
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	// domainRegex validates fully-qualified domain names.
	domainRegex = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSlug checks if a string is a valid tenant slug (also used as subdomain).
func IsValidSlug(s string) bool {
	return slugRegex.MatchString(s)
}

// IsValidEmail checks if a string looks like an email address.
func IsValidEmail(s string) bool {
	return emailRegex.MatchString(strings.ToLower(s))
}

// IsValidDomain checks if a string is a well-formed domain name.
func IsValidDomain(s string) bool {
	return len(s) <= 253 && domainRegex.MatchString(strings.ToLower(s))
}

// IsValidIPOrCIDR checks if a string parses as an IP address or CIDR block.
func IsValidIPOrCIDR(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizeSlug normalizes a tenant slug.
func SanitizeSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
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

// ValidSlug checks if a field is a valid tenant slug
func ValidSlug(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidSlug(value) {
			return &ValidationError{Field: field, Message: "must be 3-64 lowercase alphanumeric/hyphens, start/end alphanumeric"}
		}
		return nil
	}
}

// ValidEmail checks if a field is a well-formed email address
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEmail(value) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// ValidDomainName checks if a field is a well-formed domain name
func ValidDomainName(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidDomain(value) {
			return &ValidationError{Field: field, Message: "must be a valid domain name"}
		}
		return nil
	}
}

// PositiveInt checks that a numeric field is > 0
func PositiveInt(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}

// IntBetween checks that a numeric field is within [lo, hi]
func IntBetween(field string, value, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if value < lo || value > hi {
			return &ValidationError{Field: field, Message: "out of range"}
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
