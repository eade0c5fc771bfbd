package observability

import (
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// sanitizeString trims unwanted characters and limits string length to avoid log injection.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}

	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		cleaned = append(cleaned, r)
	}
	if len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return string(cleaned)
}

// SanitizeRoute removes control characters and enforces length constraints on routes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod removes control characters in HTTP methods.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID limits potential identifiers to reduce PII leakage in logs.
func SanitizeUserID(uid string) string {
	if len(uid) == 0 {
		return ""
	}
	return sanitizeString(uid, 64)
}

// SanitizeProviderMessage bounds free-form text echoed back by payment
// providers (decline reasons, callback descriptions) before it reaches a log
// field.
func SanitizeProviderMessage(msg string) string {
	return sanitizeString(strings.TrimSpace(msg), 200)
}

// MaskMsisdn hides the middle digits of a subscriber number, keeping the
// country code and the last two digits so support can still correlate a
// callback with a customer report. Anything too short to be a phone number is
// fully masked.
func MaskMsisdn(msisdn string) string {
	digits := make([]rune, 0, len(msisdn))
	for _, r := range msisdn {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) < 7 {
		return "***"
	}
	masked := make([]rune, len(digits))
	for i := range digits {
		switch {
		case i < 4, i >= len(digits)-2:
			masked[i] = digits[i]
		default:
			masked[i] = '*'
		}
	}
	return string(masked)
}
