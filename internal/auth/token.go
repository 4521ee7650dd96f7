package auth

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access token claims understood by the validator.
type Claims struct {
	Role     string `json:"role,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
	Platform bool   `json:"platform,omitempty"`
	jwt.RegisteredClaims
}

// TokenRequest describes a token to issue.
type TokenRequest struct {
	Subject  string
	Role     string
	Tenant   string
	Platform bool
	Issuer   string
	TTL      time.Duration
}

// Signer issues ES256 tokens whose kid header is the signing key fingerprint.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	kid        string
}

// NewSigner creates a signer from a PEM encoded ECDSA private key.
func NewSigner(signingKeyPEM string) (*Signer, error) {
	privateKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(signingKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	kid, err := KeyFingerprint(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Signer{privateKey: privateKey, kid: kid}, nil
}

// Kid returns the key ID placed in issued token headers.
func (s *Signer) Kid() string {
	return s.kid
}

// PublicKey returns the verification key for tokens issued by this signer.
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.privateKey.PublicKey
}

// Issue creates a signed token. It does not enforce the platform claim rules; the
// validator rejects tokens that break them.
func (s *Signer) Issue(req TokenRequest) (string, error) {
	if req.TTL <= 0 {
		return "", fmt.Errorf("token TTL must be positive")
	}

	now := time.Now()
	claims := &Claims{
		Role:     req.Role,
		Tenant:   req.Tenant,
		Platform: req.Platform,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject,
			Issuer:    req.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.kid

	tokenString, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return tokenString, nil
}

// IssueToken creates a signed token using a PEM encoded ECDSA private key.
func IssueToken(signingKeyPEM string, req TokenRequest) (string, error) {
	signer, err := NewSigner(signingKeyPEM)
	if err != nil {
		return "", err
	}
	return signer.Issue(req)
}
