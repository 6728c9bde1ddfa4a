package pat

import (
	"sync"
	"time"
)

// RuleType names what a revocation rule matches on.
type RuleType string

// Rule types.
const (
	RuleToken RuleType = "token"
	RuleUser  RuleType = "user"
	RuleScope RuleType = "scope"
)

// Rule revokes every token it matches that was issued at or before
// IssuedBefore.
type Rule struct {
	Type         RuleType
	Subject      string
	IssuedBefore time.Time
}

type ruleKey struct {
	ruleType RuleType
	subject  string
}

// ruleSet holds revocation rules keyed by (type, subject). Cutoffs only
// move forward; a rule with an older cutoff never replaces a newer one.
type ruleSet struct {
	mu    sync.RWMutex
	rules map[ruleKey]time.Time
}

func newRuleSet() *ruleSet {
	return &ruleSet{rules: make(map[ruleKey]time.Time)}
}

// add stores the rule, keeping the newest cutoff per key. It reports
// whether the set changed.
func (s *ruleSet) add(rule Rule) bool {
	key := ruleKey{ruleType: rule.Type, subject: rule.Subject}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rules[key]; ok && !rule.IssuedBefore.After(existing) {
		return false
	}
	s.rules[key] = rule.IssuedBefore
	return true
}

// cutoff returns the rule's cutoff for a key, if present.
func (s *ruleSet) cutoff(ruleType RuleType, subject string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.rules[ruleKey{ruleType: ruleType, subject: subject}]
	return at, ok
}

// matches reports whether any rule revokes a token with the given hash,
// owner, scopes and issue time.
func (s *ruleSet) matches(tokenHash, userID string, scopes []string, issuedAt time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.matchesLocked(RuleToken, tokenHash, issuedAt) {
		return true
	}
	if s.matchesLocked(RuleUser, userID, issuedAt) {
		return true
	}
	for _, scope := range scopes {
		if s.matchesLocked(RuleScope, scope, issuedAt) {
			return true
		}
	}
	return false
}

func (s *ruleSet) matchesLocked(ruleType RuleType, subject string, issuedAt time.Time) bool {
	cutoff, ok := s.rules[ruleKey{ruleType: ruleType, subject: subject}]
	return ok && !issuedAt.After(cutoff)
}

// evict drops rules whose cutoff is older than the given instant and
// returns how many were removed.
func (s *ruleSet) evict(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, cutoff := range s.rules {
		if cutoff.Before(olderThan) {
			delete(s.rules, key)
			removed++
		}
	}
	return removed
}

func (s *ruleSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}
