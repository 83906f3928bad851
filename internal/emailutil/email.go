package emailutil

import "strings"

// SyntheticDomain is the reserved suffix for accounts created from a
// federated identity that carries no email address. Downstream code can
// recognize federated-only accounts by this suffix.
const SyntheticDomain = "line.users.votebridge.invalid"

// Normalize normalizes an email address for consistent comparison
// by converting to lowercase and trimming whitespace
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ExtractDomain extracts domain from email address
func ExtractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// Synthetic derives a deterministic email for a federated identity that
// has none. Stable and collision-free per external id.
func Synthetic(externalID string) string {
	return "line_" + strings.ToLower(externalID) + "@" + SyntheticDomain
}

// IsSynthetic reports whether the email was derived by Synthetic.
func IsSynthetic(email string) bool {
	return strings.HasSuffix(Normalize(email), "@"+SyntheticDomain)
}
