package domain

import "strings"

const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
	brazilPrefix   = "55"
)

// NormalizeNumber strips everything but digits. With brazil set, numbers
// without a country code get the 55 prefix and mobile numbers missing the
// ninth digit get it inserted after the area code.
func NormalizeNumber(input string, brazil bool) (string, bool) {
	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if brazil {
		if len(digits) == 10 || len(digits) == 11 {
			digits = brazilPrefix + digits
		}
		// 55 + area code (2) + 8 digit mobile starting with 6-9
		if len(digits) == 12 && strings.HasPrefix(digits, brazilPrefix) && digits[4] >= '6' {
			digits = digits[:4] + "9" + digits[4:]
		}
	}

	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return digits, false
	}
	return digits, true
}
