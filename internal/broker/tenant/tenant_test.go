package tenant

import (
	"strings"
	"testing"
)

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(token, TokenPrefix) {
		t.Errorf("token %q missing prefix", token)
	}
	if len(token) != len(TokenPrefix)+43 {
		t.Errorf("token length = %d, want %d", len(token), len(TokenPrefix)+43)
	}
	if !ValidTokenShape(token) {
		t.Errorf("freshly generated token %q fails shape check", token)
	}

	other, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if token == other {
		t.Error("two generated tokens collided")
	}
}

func TestHashToken(t *testing.T) {
	h1 := HashToken("dk_example")
	h2 := HashToken("dk_example")
	if h1 != h2 {
		t.Error("hash must be deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
	if h1 == HashToken("dk_other") {
		t.Error("distinct tokens must not collide")
	}
}

func TestDisplayPrefix(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	prefix := DisplayPrefix(token)
	if len(prefix) != len(TokenPrefix)+8 {
		t.Errorf("prefix = %q", prefix)
	}
	if !strings.HasPrefix(token, prefix) {
		t.Errorf("prefix %q is not a prefix of the token", prefix)
	}
	if got := DisplayPrefix("dk_x"); got != "dk_x" {
		t.Errorf("short token prefix = %q", got)
	}
}

func TestValidTokenShape(t *testing.T) {
	cases := []struct {
		token string
		want  bool
	}{
		{"", false},
		{"dk_", false},
		{"sk_" + strings.Repeat("a", 43), false},
		{"dk_" + strings.Repeat("a", 42), false},
		{"dk_" + strings.Repeat("a", 43), true},
		{"dk_" + strings.Repeat("!", 43), false},
	}
	for _, tc := range cases {
		if got := ValidTokenShape(tc.token); got != tc.want {
			t.Errorf("ValidTokenShape(%q) = %v, want %v", tc.token, got, tc.want)
		}
	}
}

func TestMatchPermission(t *testing.T) {
	cases := []struct {
		granted  string
		required string
		want     bool
	}{
		{"read:tasks", "read:tasks", true},
		{"read:tasks", "read:projects", false},
		{"read:*", "read:tasks", true},
		{"read:*", "read:tasks:history", true},
		{"read:*", "write:tasks", false},
		{"*", "admin:keys", true},
		{"read", "read:tasks", false},
		{"read:tasks", "read", false},
		{"read:tasks:history", "read:tasks", false},
	}
	for _, tc := range cases {
		if got := MatchPermission(tc.granted, tc.required); got != tc.want {
			t.Errorf("MatchPermission(%q, %q) = %v, want %v", tc.granted, tc.required, got, tc.want)
		}
	}
}

func TestHasPermission(t *testing.T) {
	perms := []string{"read:tasks", "write:*"}
	if !HasPermission(perms, "write:relationships") {
		t.Error("write:* should cover write:relationships")
	}
	if HasPermission(perms, "admin:keys") {
		t.Error("admin:keys should not be covered")
	}
	if HasPermission(nil, "read:tasks") {
		t.Error("empty grant set covers nothing")
	}
}
