package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IdempotencyKey derives the stable key for one logical row attempt. The
// job id is part of the input, so a re-created job gets fresh keys while
// retries within a job reuse the same one.
func IdempotencyKey(jobID uuid.UUID, rowNumber int, checksum string) string {
	h := sha256.New()
	h.Write([]byte(jobID.String()))
	h.Write([]byte{0x1f})
	fmt.Fprintf(h, "%d", rowNumber)
	h.Write([]byte{0x1f})
	h.Write([]byte(checksum))
	return hex.EncodeToString(h.Sum(nil))
}

// keyGuard enforces that one process lifetime never sends the same
// idempotency key to the carrier twice.
type keyGuard struct {
	mu   sync.Mutex
	used map[string]bool
}

func newKeyGuard() *keyGuard {
	return &keyGuard{used: make(map[string]bool)}
}

// reserve marks a key as sent. Returns false when the key was already
// reserved in this process.
func (g *keyGuard) reserve(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.used[key] {
		return false
	}
	g.used[key] = true
	return true
}
