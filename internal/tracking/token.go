// Package tracking issues per-recipient tokens and records the open
// and acknowledgment signals they carry back.
package tracking

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the entropy per token. 32 random bytes makes tokens
// unguessable; they are bearer credentials for a recipient's tracking
// state.
const tokenBytes = 32

// NewToken returns a URL-safe opaque token with no embedded structure.
// Nothing about the recipient or campaign is recoverable from it.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate tracking token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
