package util

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// CountryCode is the prefix every normalized phone carries.
const CountryCode = "55"

// DefaultRegion is the libphonenumber region matching CountryCode.
const DefaultRegion = "BR"

// ErrInvalidPhone is returned when a phone contains no digits at all.
var ErrInvalidPhone = errors.New("invalid phone number: no digits found")

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// NormalizePhone canonicalizes a free-form phone into the key used by every store:
// digits only, prefixed with the country code unless it already starts with it.
// It never fails; input without digits normalizes to the bare country code.
func NormalizePhone(raw string) string {
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if strings.HasPrefix(digits, CountryCode) {
		return digits
	}
	return CountryCode + digits
}

// ValidatePhone normalizes raw and rejects input that carries no digits.
func ValidatePhone(raw string) (string, error) {
	if nonDigitRegex.ReplaceAllString(raw, "") == "" {
		return "", ErrInvalidPhone
	}
	return NormalizePhone(raw), nil
}

// FormatE164 renders a normalized phone as "+<digits>" after checking that
// libphonenumber can parse it. Providers that address numbers in E.164 use this.
func FormatE164(normalized string) (string, error) {
	num, err := libphonenumber.Parse("+"+NormalizePhone(normalized), DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
