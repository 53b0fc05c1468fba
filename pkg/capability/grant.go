package capability

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const grantIssuer = "capkernel/issuer"

var ErrInvalidGrant = errors.New("capability: invalid grant")

// grantClaims carries a descriptor from the issuance authority. The validity window is
// kept in private claims: a future-dated or short-lived grant must still import, and
// the table, not the JWT layer, decides when it is active.
type grantClaims struct {
	jwt.RegisteredClaims
	Rights     []string       `json:"rights"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidUntil time.Time      `json:"valid_until"`
	Bounds     *SpatialBounds `json:"bounds,omitempty"`
}

// SignGrant encodes token and desc as an HS256 JWT.
func SignGrant(key []byte, token Token, desc Descriptor) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty signing key", ErrInvalidGrant)
	}
	if err := desc.Validate(); err != nil {
		return "", err
	}
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       token.String(),
			Subject:  desc.OwnerID,
			Issuer:   grantIssuer,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		Rights:     desc.Rights.Names(),
		ValidFrom:  desc.ValidFrom.UTC(),
		ValidUntil: desc.ValidUntil.UTC(),
		Bounds:     desc.Bounds,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// ParseGrant verifies signed and decodes the token and descriptor it carries.
func ParseGrant(key []byte, signed string) (Token, Descriptor, error) {
	claims := &grantClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(grantIssuer))
	if err != nil {
		return Token{}, Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}
	if !parsed.Valid {
		return Token{}, Descriptor{}, ErrInvalidGrant
	}

	tok, err := ParseToken(claims.ID)
	if err != nil {
		return Token{}, Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}
	rights, err := RightsFromNames(claims.Rights)
	if err != nil {
		return Token{}, Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}
	desc := Descriptor{
		Rights:     rights,
		ValidFrom:  claims.ValidFrom,
		ValidUntil: claims.ValidUntil,
		Bounds:     claims.Bounds,
		OwnerID:    claims.Subject,
	}
	if err := desc.Validate(); err != nil {
		return Token{}, Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}
	return tok, desc, nil
}

// ImportGrant verifies signed and inserts the descriptor it carries.
func (t *Table) ImportGrant(key []byte, signed string) (Token, error) {
	tok, desc, err := ParseGrant(key, signed)
	if err != nil {
		return Token{}, err
	}
	if err := t.Insert(tok, desc); err != nil {
		return Token{}, err
	}
	return tok, nil
}
