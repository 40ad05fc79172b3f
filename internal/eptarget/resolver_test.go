package eptarget

import "testing"

func TestResolve_ExplicitPrefixes(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
		id   string
	}{
		{"party:100", KindParty, "100"},
		{"dept:100", KindParty, "100"},
		{"tag:vip", KindTag, "vip"},
		{"group:abc123", KindChat, "abc123"},
		{"chat:abc123", KindChat, "abc123"},
		{"user:alice", KindUser, "alice"},
	}
	for _, c := range cases {
		got := Resolve(c.in)
		if got.Kind != c.kind || got.ID != c.id {
			t.Errorf("Resolve(%q) = %v/%q, want %v/%q", c.in, got.Kind, got.ID, c.kind, c.id)
		}
	}
}

func TestResolve_Heuristics(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
	}{
		{"wrABCDEF", KindChat},
		{"wcABCDEF", KindChat},
		{"12345", KindParty},
		{"alice", KindUser},
	}
	for _, c := range cases {
		got := Resolve(c.in)
		if got.Kind != c.kind {
			t.Errorf("Resolve(%q).Kind = %v, want %v", c.in, got.Kind, c.kind)
		}
	}
}

func TestResolve_StripsPlatformPrefix(t *testing.T) {
	got := Resolve("application:user:alice")
	if got.Kind != KindUser || got.ID != "alice" {
		t.Errorf("Resolve = %v/%q, want user/alice", got.Kind, got.ID)
	}

	got = Resolve("ep:12345")
	if got.Kind != KindParty || got.ID != "12345" {
		t.Errorf("Resolve = %v/%q, want party/12345", got.Kind, got.ID)
	}
}

func TestResolve_CaseInsensitivePrefix(t *testing.T) {
	got := Resolve("USER:Bob")
	if got.Kind != KindUser || got.ID != "Bob" {
		t.Errorf("Resolve = %v/%q, want user/Bob", got.Kind, got.ID)
	}
}

func TestResolve_NeverAmbiguous(t *testing.T) {
	for _, in := range []string{"party:1", "tag:x", "chat:y", "user:z", "wrX", "999", "plain"} {
		got := Resolve(in)
		switch got.Kind {
		case KindUser, KindParty, KindTag, KindChat:
		default:
			t.Errorf("Resolve(%q) produced unknown kind", in)
		}
	}
}
