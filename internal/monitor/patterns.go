package monitor

import "regexp"

// attackPattern classifies a raw event record into a named attack category.
// Patterns run against the event type string; Details is included for the
// malicious input pattern so payload markers caught upstream still classify.
type attackPattern struct {
	name string
	re   *regexp.Regexp
}

var attackPatterns = []attackPattern{
	{name: "brute_force", re: regexp.MustCompile(`LOGIN_FAILED|LOGIN_BLOCKED`)},
	{name: "csrf_attack", re: regexp.MustCompile(`CSRF_TOKEN_INVALID`)},
	{name: "malicious_input", re: regexp.MustCompile(`MALICIOUS_INPUT_DETECTED|(?i)(union\s+select|<script|\.\./\.\.)`)},
	{name: "rate_limit", re: regexp.MustCompile(`RATE_LIMIT_EXCEEDED`)},
	{name: "unauthorized_access", re: regexp.MustCompile(`ADMIN_ACCESS_DENIED|SESSION_HIJACK_SUSPECTED`)},
}

// classify returns the attack categories a record falls into. A record can
// match more than one pattern.
func classify(eventType, details string) []string {
	subject := eventType + " " + details
	var matched []string
	for _, p := range attackPatterns {
		if p.re.MatchString(subject) {
			matched = append(matched, p.name)
		}
	}
	return matched
}
