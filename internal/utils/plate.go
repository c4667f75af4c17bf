package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate upper-cases a vehicle number and drops everything that is
// not a letter or digit.
func NormalizePlate(plate string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(plate) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
