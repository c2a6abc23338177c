package backend

import (
	"crypto/rand"
	"encoding/hex"
)

// NewToken returns a fresh opaque scan token. Tokens are capabilities tied
// to a session's current rotation window, not identities.
func NewToken() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in no state to serve.
		panic(err)
	}
	return "TOKEN_" + hex.EncodeToString(buf)
}
