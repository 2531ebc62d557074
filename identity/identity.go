package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const maxRawPhoneDigits = 20

var (
	nonDigitRegex   = regexp.MustCompile(`\D`)
	multiSpaceRegex = regexp.MustCompile(`\s+`)
)

// NormalizePhone reduces a scraped phone number to the canonical +7 form used for
// Kazakhstan numbers. Numbers that cannot be classified are kept as raw digits,
// truncated to 20. The bool is false when the result is not in canonical form.
func NormalizePhone(raw string) (phone string, canonical bool) {
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if digits == "" {
		return "", false
	}

	switch {
	case len(digits) == 11 && (strings.HasPrefix(digits, "87") || strings.HasPrefix(digits, "77")):
		return "+7" + digits[1:], true
	case len(digits) == 10 && strings.HasPrefix(digits, "7"):
		return "+7" + digits, true
	case strings.HasPrefix(digits, "7") && len(digits) > 10:
		return "+" + truncate(digits, maxRawPhoneDigits-1), true
	}

	return truncate(digits, maxRawPhoneDigits), false
}

// ContentHash is the hex sha256 of an image body.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CleanText trims and collapses whitespace. Empty results are reported as "".
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(multiSpaceRegex.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
