// Package capability holds the authoritative capability table and the fail-closed
// validator that mediates every call through the gateway.
//
// A Token carries no authority of its own. All authority lives in the Descriptor the
// table maps it to, and every validation attempt leaves exactly one audit record.
package capability

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Token is an opaque 128-bit capability credential.
type Token [16]byte

var ErrInvalidToken = errors.New("capability: invalid token")

// NewToken mints a random token.
func NewToken() Token {
	return Token(uuid.New())
}

// ParseToken accepts the canonical UUID form or 32 hex digits.
func ParseToken(s string) (Token, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	t := Token(u)
	if t.IsZero() {
		return Token{}, ErrInvalidToken
	}
	return t, nil
}

func (t Token) String() string { return uuid.UUID(t).String() }

func (t Token) IsZero() bool { return t == Token{} }

// Fingerprint is a short BLAKE2b digest of the token, safe to log and audit.
func (t Token) Fingerprint() string {
	sum := blake2b.Sum256(t[:])
	return "cap:" + hex.EncodeToString(sum[:8])
}
