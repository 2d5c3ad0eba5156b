package store

import (
	"crypto/rand"
	"encoding/base64"
)

// tokenIDBytes is the entropy of a token identifier. 16 bytes matches the
// identifiers already issued in production.
const tokenIDBytes = 16

// NewTokenID returns a fresh random URL-safe token identifier.
func NewTokenID() string {
	b := make([]byte, tokenIDBytes)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
