package outbox

import "strings"

// CriticalityPolicy decides what happens to an event that exhausted its retries:
// critical events are quarantined in the dead letter table, the rest are dropped.
type CriticalityPolicy interface {
	IsCritical(routingKey string) bool
}

type CriticalityPolicyFunc func(routingKey string) bool

func (fn CriticalityPolicyFunc) IsCritical(routingKey string) bool {
	return fn(routingKey)
}

// NewRoutingKeyPolicy matches routing keys against topic patterns, where "*" matches
// exactly one word and "#" matches zero or more words.
func NewRoutingKeyPolicy(patterns ...string) CriticalityPolicy {
	policy := routingKeyPolicy{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		policy.patterns = append(policy.patterns, strings.Split(pattern, "."))
	}
	return policy
}

type routingKeyPolicy struct {
	patterns [][]string
}

func (p routingKeyPolicy) IsCritical(routingKey string) bool {
	words := strings.Split(routingKey, ".")
	for _, pattern := range p.patterns {
		if matchWords(pattern, words) {
			return true
		}
	}
	return false
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && matchWords(pattern[1:], words[1:])
	}
}
