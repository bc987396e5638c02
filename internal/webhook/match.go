package webhook

import (
	"strings"

	"github.com/relaypoint/webhook-relay/internal/domain"
)

// MatchesPrefix reports whether an event type falls under a subscription
// prefix. "*" matches everything; "x.*" is treated as "x."; otherwise the
// match is a case-insensitive prefix test, so "order." covers
// "order.created" and an exact event type covers only itself.
func MatchesPrefix(eventType, prefix string) bool {
	prefix = domain.NormalizeEventPrefix(prefix)
	if prefix == "" {
		return false
	}
	if prefix == "*" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(eventType), strings.ToLower(prefix))
}

// ResolveAll returns every active subscription matching the event type.
// This is the intake fan-out path: one delivery per returned subscription.
func ResolveAll(subs []*domain.Subscription, eventType string) []*domain.Subscription {
	var matched []*domain.Subscription
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if MatchesPrefix(eventType, sub.EventPrefix) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// ResolveBest picks the single most specific subscription for a delivery at
// dispatch time. Subscriptions whose target URL equals the delivery's frozen
// target URL are preferred; among candidates the longest non-wildcard prefix
// wins and "*" is least specific. Returns nil when nothing matches.
func ResolveBest(subs []*domain.Subscription, eventType, targetURL string) *domain.Subscription {
	var best *domain.Subscription
	bestScore := -1

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if !MatchesPrefix(eventType, sub.EventPrefix) {
			continue
		}

		score := 0
		if sub.EventPrefix != "*" {
			score = len(sub.EventPrefix)
		}
		// A target URL match outranks any prefix length
		if targetURL != "" && sub.TargetURL == targetURL {
			score += 1 << 16
		}

		if score > bestScore {
			best = sub
			bestScore = score
		}
	}

	return best
}
