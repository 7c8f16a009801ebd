package utils

import (
	"fmt"
	"net"
	"strings"
)

// Consent decision values accepted by the service. Anything else is rejected
// at record creation.
const (
	ConsentAccepted = "accepted"
	ConsentDeclined = "declined"
)

// UnknownValue is stored in place of missing or unparseable client metadata
const UnknownValue = "unknown"

// ValidateConsentValue validates a consent decision value
func ValidateConsentValue(consent string) error {
	if consent == "" {
		return fmt.Errorf("consent value cannot be empty")
	}
	if consent != ConsentAccepted && consent != ConsentDeclined {
		return fmt.Errorf("invalid consent value: %s (must be %q or %q)", consent, ConsentAccepted, ConsentDeclined)
	}
	return nil
}

// ValidateUserID validates a user identifier
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if len(userID) > 255 {
		return fmt.Errorf("user ID too long (max 255 characters)")
	}
	return nil
}

// ValidateSessionID validates a session identifier
func ValidateSessionID(sessionID string) error {
	if len(sessionID) > 255 {
		return fmt.Errorf("session ID too long (max 255 characters)")
	}
	return nil
}

// NormalizeIP normalizes a client network address. IPv4-mapped IPv6 addresses
// are reduced to their IPv4 form, a trailing port is stripped, and anything
// unparseable is stored as "unknown" rather than rejected.
func NormalizeIP(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UnknownValue
	}

	// Forwarded headers may carry a comma-separated chain; the first hop is
	// the original client.
	if idx := strings.Index(trimmed, ","); idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[:idx])
	}

	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		trimmed = host
	}
	trimmed = strings.TrimPrefix(strings.TrimSuffix(trimmed, "]"), "[")

	ip := net.ParseIP(trimmed)
	if ip == nil {
		return UnknownValue
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// NormalizeUserAgent returns the user agent string or "unknown" when absent
func NormalizeUserAgent(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return UnknownValue
	}
	if len(ua) > 512 {
		ua = ua[:512]
	}
	return ua
}

// SanitizeString removes dangerous characters from user input
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	return input
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 50 // Default limit
	}
	if limit > 500 {
		return 500 // Max limit
	}
	return limit
}

// ValidateOffset validates pagination offset
func ValidateOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// ValidateRequired validates that a field is not empty
func ValidateRequired(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
