// Package eptarget resolves an opaque outbound target string into the
// addressing EP's APIs expect: a user, department, tag, or chat id
// (spec.md §4.4).
package eptarget

import (
	"strings"
)

type Kind int

const (
	KindUser Kind = iota
	KindParty
	KindTag
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindParty:
		return "party"
	case KindTag:
		return "tag"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

type Target struct {
	Kind Kind
	ID   string
}

// platformPrefixes are stripped, case-insensitively, before the
// explicit-prefix and heuristic rules run.
var platformPrefixes = []string{"application", "platform", "ep", "alt-alias", "alt-alias2"}

// Resolve parses a trimmed target string into exactly one of
// {user|party|tag|chat} with its raw id, never ambiguous.
func Resolve(raw string) Target {
	s := strings.TrimSpace(raw)
	s = stripPlatformPrefix(s)

	if id, ok := stripPrefix(s, "party:", "dept:"); ok {
		return Target{Kind: KindParty, ID: id}
	}
	if id, ok := stripPrefix(s, "tag:"); ok {
		return Target{Kind: KindTag, ID: id}
	}
	if id, ok := stripPrefix(s, "group:", "chat:"); ok {
		return Target{Kind: KindChat, ID: id}
	}
	if id, ok := stripPrefix(s, "user:"); ok {
		return Target{Kind: KindUser, ID: id}
	}

	return Target{Kind: heuristicKind(s), ID: s}
}

func stripPlatformPrefix(s string) string {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return s
	}
	candidate := strings.ToLower(s[:idx])
	for _, p := range platformPrefixes {
		if candidate == p {
			return strings.TrimSpace(s[idx+1:])
		}
	}
	return s
}

func stripPrefix(s string, prefixes ...string) (string, bool) {
	lower := strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSpace(s[len(p):]), true
		}
	}
	return "", false
}

func heuristicKind(s string) Kind {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "wr") || strings.HasPrefix(lower, "wc") {
		return KindChat
	}
	if isAllDigits(s) {
		return KindParty
	}
	return KindUser
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
