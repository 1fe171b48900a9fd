package keymaterial

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/pipestream/ingesterrors"
)

// Signer signs RS256 JWTs with a Material's private key, stamping the
// header's "kid" with the key's fingerprint.
type Signer struct {
	material *Material
}

// NewSigner builds a Signer bound to the given key material.
func NewSigner(m *Material) *Signer {
	return &Signer{material: m}
}

// Fingerprint returns the signer's key fingerprint.
func (s *Signer) Fingerprint() string {
	return s.material.Fingerprint
}

// Sign serializes claims into a compact RS256 JWT: unpadded base64url
// segments joined by ".", header {alg:"RS256", typ:"JWT", kid:<fingerprint>}.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.material.Fingerprint

	signed, err := token.SignedString(s.material.PrivateKey)
	if err != nil {
		return "", ingesterrors.New(ingesterrors.Invariant, "unable to sign JWT", err)
	}
	return signed, nil
}
