package reminder

import "strings"

// NormalizeContact keeps the digits of a phone number, so "+91 98765-43210" and
// "919876543210" match. Other contacts are trimmed and lower-cased.
func NormalizeContact(contact string) string {
	var b strings.Builder
	for _, r := range contact {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() >= 7 {
		return b.String()
	}
	return strings.ToLower(strings.TrimSpace(contact))
}
