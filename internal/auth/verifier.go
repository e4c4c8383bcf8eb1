// Package auth verifies the signed bearer tokens presented during the
// WebSocket handshake. Tokens are RS256 JWTs carrying the user identity in
// the subject claim plus the tenant binding and display name; verification
// requires only the issuer's public key.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the authenticated identity extracted from a verified token.
type Claims struct {
	UserID   string
	TenantID string
	Name     string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
}

// Verifier validates gateway bearer tokens against the issuer's RSA public key.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier creates a Verifier from a PEM-encoded RSA public key.
func NewVerifier(publicKeyPEM []byte) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return &Verifier{publicKey: key}, nil
}

// NewVerifierFromFile loads the PEM public key from disk.
func NewVerifierFromFile(path string) (*Verifier, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read public key %s: %w", path, err)
	}
	return NewVerifier(pem)
}

// Verify parses and validates a token string. It enforces the RS256
// signature, expiry, and the presence of the subject and tenant claims.
// Any failure means the connection upgrade must be refused.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: no token provided")
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: token is not valid")
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: token has no subject")
	}
	if claims.TenantID == "" {
		return nil, errors.New("auth: token has no tenant binding")
	}

	return &Claims{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Name:     claims.Name,
	}, nil
}
