package trail

import (
	"crypto/sha256"
	"fmt"
)

// HashEventContent computes SHA-256 of conversation id + text for durable
// event identity.
//
// Including the conversation id means the same text captured from two
// different conversations produces two distinct identities (different
// provenance). In-memory pattern detection uses a faster non-cryptographic
// hash; this one exists for the trail, where records outlive the session.
func HashEventContent(conversationID, text string) string {
	h := sha256.New()
	h.Write([]byte(conversationID))
	h.Write([]byte{0}) // separator
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum(nil))
}
