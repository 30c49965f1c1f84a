package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// EmailRegex validates email format
	EmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// DocumentIDRegex validates document ID format. Lab notes use UUIDs but
	// slug-like identifiers are accepted as well.
	DocumentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// tokenRegex matches the compact JWS serialization (three base64url segments).
	tokenRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)
)

const (
	MaxDocumentIDLength = 128
	MaxTokenLength      = 16 * 1024
)

// ValidateEmail validates email address
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long (max 254 characters)")
	}
	if !EmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidateDocumentID validates a lab note identifier
func ValidateDocumentID(documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}
	if len(documentID) > MaxDocumentIDLength {
		return fmt.Errorf("document ID is too long (max %d characters)", MaxDocumentIDLength)
	}
	if !DocumentIDRegex.MatchString(documentID) {
		return fmt.Errorf("invalid document ID format")
	}
	return nil
}

// ValidateTokenShape checks that a bearer token looks like a compact JWT.
// It performs no cryptographic verification.
func ValidateTokenShape(token string, minLength int) error {
	if token == "" {
		return fmt.Errorf("token is required")
	}
	if len(token) < minLength {
		return fmt.Errorf("token is too short")
	}
	if len(token) > MaxTokenLength {
		return fmt.Errorf("token is too long")
	}
	if !tokenRegex.MatchString(token) {
		return fmt.Errorf("token is not a compact JWT")
	}
	return nil
}

// ValidateOrigin validates an allowed-origin entry
func ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("origin must have a host")
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("origin must not have a path")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
