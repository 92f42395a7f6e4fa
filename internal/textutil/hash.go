package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash is the dedupe key for item content: SHA-256 over the
// whitespace-trimmed body, hex encoded. Trimming keeps trailing-newline
// variants of the same content from defeating the idempotency gate.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// SignatureHash hashes a mistake signature for deduplicated counting.
func SignatureHash(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:16])
}
