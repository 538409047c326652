package dispatcher

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator. Only the built-in e164 rule is
// used; no custom registrations.
var validate = validator.New()

// NormalizePhone strips common separators and ensures a leading plus so
// numbers stored as "98765 43210" or "+91-98765-43210" compare equal in
// the dedup key.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch r {
		case ' ', '-', '(', ')', '.':
			continue
		default:
			b.WriteRune(r)
		}
	}

	normalized := b.String()
	if strings.HasPrefix(normalized, "00") {
		normalized = "+" + normalized[2:]
	}
	if normalized != "" && !strings.HasPrefix(normalized, "+") {
		normalized = "+" + normalized
	}
	return normalized
}

// ValidPhone reports whether the number is valid E.164. The leading plus
// is checked here rather than left to the validator, which accepts bare
// digit strings; the dedup key and the providers both require the
// canonical "+" form.
func ValidPhone(phone string) bool {
	return strings.HasPrefix(phone, "+") && validate.Var(phone, "e164") == nil
}
