// Package token issues and validates the signed credentials that scope a
// client identity to a single topic. Validity is a pure function of the
// signature and the current time; the server keeps no token state and
// cannot revoke a credential before it expires.
package token

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// Claims are the signed contents of a credential.
type Claims struct {

	// ID is the client identity the credential was issued to
	ID string `json:"id"`

	// Topic is the only topic this credential permits joining
	Topic string `json:"topic"`

	jwt.RegisteredClaims
}

// Verification failures surfaced to join handling. Signature and expiry
// failures come from the jwt library directly.
var (
	ErrMissingClaims = errors.New("token missing required claims")
)

// New returns Claims for the given identity and topic, valid from now
// until now + ttl. IssuedAt is backdated by a second so a freshly minted
// credential is immediately usable.
func New(id, topic string, ttl time.Duration) Claims {

	iat := time.Now().Add(-time.Second)

	return Claims{
		ID:    id,
		Topic: topic,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
		},
	}
}

// Sign returns the HS256 signed string form of the claims.
func Sign(claims Claims, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verify parses a signed credential, checking the signature, the signing
// method and expiry, and that the required claims are present.
func Verify(signed, secret string) (Claims, error) {

	claims := Claims{}

	_, err := jwt.ParseWithClaims(signed, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method " + t.Method.Alg())
		}
		return []byte(secret), nil
	})

	if err != nil {
		return Claims{}, err
	}

	if claims.ID == "" || claims.Topic == "" || claims.ExpiresAt == nil {
		return Claims{}, ErrMissingClaims
	}

	return claims, nil
}
