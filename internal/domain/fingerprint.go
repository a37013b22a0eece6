package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the deterministic cache key for an entity plus its
// query parameters. Same inputs, same key, regardless of which process
// computes it.
func Fingerprint(entityType, entityID string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return entityType + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// FingerprintType recovers the entity-type prefix, for stats grouping.
func FingerprintType(fp string) string {
	if i := strings.IndexByte(fp, ':'); i > 0 {
		return fp[:i]
	}
	return fp
}
