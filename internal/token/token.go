package token

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

const viewTokenLength = 32

// NewID returns a URL-safe identifier made of a millisecond timestamp and
// random bits (UUIDv7), suitable as a path segment in share links.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic("uuid generation failed: " + err.Error())
	}
	return id.String()
}

func NewViewToken() string {
	bytes := make([]byte, viewTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
