package archive

import (
	"crypto/sha256"
	"fmt"
)

// HashPhone returns the hex-encoded SHA-256 hash of a phone number. Archived
// records carry the hash instead of the raw caller number so long-lived
// objects never hold a direct identifier.
func HashPhone(phone string) string {
	h := sha256.Sum256([]byte(phone))
	return fmt.Sprintf("%x", h)
}
