package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/idgen"
)

// Credential prefixes tag the environment a key belongs to. The prefix is
// part of the opaque token, so a live key pasted into a test config is
// visible at a glance.
const (
	PrefixLive = "mb_live_"
	PrefixTest = "mb_test_"
)

const (
	// secretBytes is the entropy drawn per credential; secretChars is the
	// base36 length it is encoded to (32 chars keeps ~165 bits).
	secretBytes = 24
	secretChars = 32

	// minSecretChars is the shortest suffix accepted as well-formed.
	minSecretChars = 20
)

// NewCredential generates a fresh plaintext credential. The caller shows it
// to the user once and persists only its hash.
func NewCredential(live bool) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	prefix := PrefixTest
	if live {
		prefix = PrefixLive
	}
	return prefix + idgen.EncodeBase36(buf, secretChars), nil
}

// HashCredential maps a plaintext credential to the hash stored and looked
// up server-side.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// ValidCredential reports whether a presented token is well-formed: a known
// environment prefix followed by a printable secret of usable length. It
// says nothing about whether the key exists.
func ValidCredential(credential string) bool {
	var secret string
	switch {
	case strings.HasPrefix(credential, PrefixLive):
		secret = credential[len(PrefixLive):]
	case strings.HasPrefix(credential, PrefixTest):
		secret = credential[len(PrefixTest):]
	default:
		return false
	}
	if len(secret) < minSecretChars {
		return false
	}
	for i := 0; i < len(secret); i++ {
		c := secret[i]
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
