// Package idgen derives the stable content-addressed ids used across the
// knowledge graph. The same logical item hashes to the same id on every
// host, which is what makes event logs mergeable and idempotent.
package idgen

import (
	"crypto/sha256"
	"math/big"
	"strings"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// idHashLen is the number of base36 characters after the prefix. 16 chars
// from 10 hash bytes gives 80 bits, plenty for per-project uniqueness.
const idHashLen = 16

// EncodeBase36 converts a byte slice to a base36 string of the given length,
// zero-padded on the left and truncated to the least significant digits.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var result strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// hashParts hashes the parts with NUL separators so that ("ab","c") and
// ("a","bc") produce different digests.
func hashParts(parts ...string) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// EntityID derives the id for an entity from its normalized name and type.
func EntityID(name, entityType string) string {
	sum := hashParts(types.NormalizeName(name), entityType)
	return "ent_" + EncodeBase36(sum[:10], idHashLen)
}

// ObservationID derives the id for an observation. The timestamp is part of
// the identity: the same text re-added at a different instant is a distinct
// observation, while replaying the same event is idempotent.
func ObservationID(entityID, text string, timestamp time.Time) string {
	sum := hashParts(entityID, text, timestamp.UTC().Format(time.RFC3339Nano))
	return "obs_" + EncodeBase36(sum[:10], idHashLen)
}

// RelationID derives the id for a relation from its three parts. Reinserting
// the same (from, to, type) therefore lands on the same id.
func RelationID(fromID, toID, relationType string) string {
	sum := hashParts(fromID, toID, relationType)
	return "rel_" + EncodeBase36(sum[:10], idHashLen)
}
