package auth

import (
	"strings"
	"testing"
)

func TestNewCredentialFormat(t *testing.T) {
	live, err := NewCredential(true)
	if err != nil {
		t.Fatalf("failed to generate: %v", err)
	}
	test, err := NewCredential(false)
	if err != nil {
		t.Fatalf("failed to generate: %v", err)
	}

	if !strings.HasPrefix(live, PrefixLive) {
		t.Errorf("live credential %q missing prefix", live)
	}
	if !strings.HasPrefix(test, PrefixTest) {
		t.Errorf("test credential %q missing prefix", test)
	}
	if len(live) != len(PrefixLive)+secretChars {
		t.Errorf("unexpected length %d for %q", len(live), live)
	}
	if !ValidCredential(live) || !ValidCredential(test) {
		t.Error("generated credentials must validate")
	}

	other, _ := NewCredential(true)
	if live == other {
		t.Error("two credentials must not collide")
	}
}

func TestHashCredentialIsStableAndOpaque(t *testing.T) {
	cred, _ := NewCredential(true)
	h1 := HashCredential(cred)
	h2 := HashCredential(cred)
	if h1 != h2 {
		t.Error("hash must be deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(h1))
	}
	if strings.Contains(h1, cred) {
		t.Error("hash must not embed the plaintext")
	}
	if HashCredential(cred+"x") == h1 {
		t.Error("different inputs must hash differently")
	}
}

func TestValidCredential(t *testing.T) {
	cases := []struct {
		cred string
		want bool
	}{
		{PrefixLive + strings.Repeat("a", 32), true},
		{PrefixTest + strings.Repeat("0", 20), true},
		{PrefixLive + strings.Repeat("a", 19), false},
		{"mb_prod_" + strings.Repeat("a", 32), false},
		{PrefixLive + strings.Repeat("a", 10) + " " + strings.Repeat("a", 10), false},
		{PrefixLive + strings.Repeat("a", 20) + "\x7f", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidCredential(tc.cred); got != tc.want {
			t.Errorf("ValidCredential(%q) = %v, want %v", tc.cred, got, tc.want)
		}
	}
}
