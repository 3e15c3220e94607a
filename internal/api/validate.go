package api

import (
	"strings"
	"unicode/utf8"
)

// maxPartyLen bounds party addresses accepted from clients.
const maxPartyLen = 256

// maxAlertingLen bounds the alerting hint.
const maxAlertingLen = 128

// maxInputLen bounds one user input command.
const maxInputLen = 64

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-blank string does not exceed
// maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if strings.TrimSpace(value) == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateParty checks a party address. Anything that looks like a control
// character is rejected before it can reach a SIP header.
func validateParty(field, value string, required bool) string {
	var msg string
	if required {
		msg = validateRequiredStringLen(field, value, maxPartyLen)
	} else {
		msg = validateStringLen(field, value, maxPartyLen)
	}
	if msg != "" {
		return msg
	}
	if strings.ContainsFunc(value, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return field + " contains control characters"
	}
	return ""
}
