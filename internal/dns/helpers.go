package dns

import (
	"strings"
)

// SplitFQDN splits an FQDN into the provider's sub-label and base domain.
// Only the leftmost label is split off, and only when the name has more than
// two labels.
// e.g. "app.example.com" → ("app", "example.com")
// e.g. "sub.app.example.com" → ("sub", "app.example.com")
// e.g. "example.com" → ("", "example.com")
func SplitFQDN(fqdn string) (subLabel, baseDomain string) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	if strings.Count(fqdn, ".") < 2 {
		return "", fqdn
	}
	parts := strings.SplitN(fqdn, ".", 2)
	return parts[0], parts[1]
}
