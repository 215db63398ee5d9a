package registry

import (
	"fmt"
	"strings"
)

// KeyDigits is the number of digits in a canonical key.
const KeyDigits = 10

const keySeparatorOffset = 6

// EntityKey is a canonical registry identifier of the form NNNNNN-NNNN.
type EntityKey string

// String returns the canonical textual form.
func (k EntityKey) String() string {
	return string(k)
}

// Digits returns the key without its separator.
func (k EntityKey) Digits() string {
	return strings.ReplaceAll(string(k), "-", "")
}

// ParseKey normalizes raw input to canonical form. Every non-digit character is dropped;
// anything that does not reduce to exactly ten digits is ErrInvalidKey.
func ParseKey(raw string) (EntityKey, error) {
	var b strings.Builder
	b.Grow(KeyDigits + 1)
	digits := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			continue
		}
		if digits == keySeparatorOffset {
			b.WriteByte('-')
		}
		b.WriteRune(r)
		digits++
	}
	if digits != KeyDigits {
		return "", fmt.Errorf("%w: %q has %d digits, want %d", ErrInvalidKey, raw, digits, KeyDigits)
	}
	return EntityKey(b.String()), nil
}

// MustParseKey is ParseKey for constants and tests.
func MustParseKey(raw string) EntityKey {
	key, err := ParseKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}
