package scan

import "github.com/jefgrailet/sage/internal/dictionary"

// deriveTrail implements spec.md §4.4's "Trail computation": scan the
// route from index ttl-2 backward to the last valid hop, then keep
// walking backward while the IP repeats (a cycle) to fold those repeats
// into the anomaly count too. route must have length ttl-1 (the route
// the scanner recorded for this final ttl); ttl<=1 has no route at all.
func deriveTrail(route []dictionary.RouteHop, ttl int) dictionary.Trail {
	if ttl <= 1 || len(route) == 0 {
		return dictionary.Trail{}
	}

	last := ttl - 2 // 0-indexed last route position
	i := last
	for i >= 0 && !route[i].IsUsable() {
		i--
	}
	if i < 0 {
		return dictionary.Trail{AllAnonymous: true, Length: ttl - 1}
	}

	lastValidIP := route[i].IP
	j := i
	for j-1 >= 0 && route[j-1].IsUsable() && route[j-1].IP == lastValidIP {
		j--
	}

	return dictionary.Trail{
		LastValidIP:     lastValidIP,
		NbAnomalies:     last - j,
		LastValidIPiTTL: route[i].ReplyTTL,
	}
}
