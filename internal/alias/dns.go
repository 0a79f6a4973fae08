package alias

import "strings"

// ReverseDNSMatch implements spec.md §4.9's "Reverse DNS" method: two
// hostnames match if they have the same number of dot-separated labels
// and all labels agree from the TLD end up to at most one differing
// label (typically the leftmost host-label).
func ReverseDNSMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	la := labels(a)
	lb := labels(b)
	if len(la) != len(lb) {
		return false
	}

	diffs := 0
	for i := len(la) - 1; i >= 0; i-- {
		if la[i] != lb[i] {
			diffs++
		}
	}
	return diffs <= 1
}

func labels(hostname string) []string {
	h := strings.TrimSuffix(hostname, ".")
	return strings.Split(h, ".")
}
