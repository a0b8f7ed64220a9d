// Package util provides small shared helpers used across the portal-oauth
// library, mostly around safe handling of sensitive strings in logs.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. It is used when logging sensitive values such as tokens and
// authorization codes, where only a short prefix may appear in logs.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Intersect returns the elements of a that also occur in b, preserving the
// order of a and dropping duplicates. Scope negotiation is defined as a set
// intersection, so this is the workhorse of scope handling.
func Intersect(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a))
	for _, s := range a {
		if inB[s] && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}

// ContainsAll reports whether every element of needles occurs in haystack.
func ContainsAll(haystack, needles []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, s := range haystack {
		set[s] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}

// Contains reports whether needle occurs in haystack.
func Contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
