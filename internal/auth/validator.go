// Package auth validates access tokens and carries the authenticated principal.
package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantry/internal/tenant"
)

var ErrInvalidToken = errors.New("invalid access token")

// Config holds the token validation policy.
type Config struct {
	// Issuer is the required iss claim.
	Issuer string

	// Leeway tolerates clock skew when checking exp, nbf and iat.
	// Default: 30s
	Leeway time.Duration

	// PublicKeysPEM are the accepted ES256 verification keys.
	PublicKeysPEM []string
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Leeway == 0 {
		c.Leeway = 30 * time.Second
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if len(c.PublicKeysPEM) == 0 {
		return fmt.Errorf("at least one public key is required")
	}
	if c.Leeway < 0 {
		return fmt.Errorf("leeway must not be negative")
	}
	return nil
}

// Validator verifies access tokens and extracts the principal.
type Validator struct {
	parser *jwt.Parser
	keys   map[string]*ecdsa.PublicKey // kid -> key
}

// NewValidator parses the configured keys and builds a validator.
func NewValidator(cfg Config) (*Validator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(cfg.PublicKeysPEM))
	for _, keyPEM := range cfg.PublicKeysPEM {
		publicKey, err := ParsePublicKeyPEM(keyPEM)
		if err != nil {
			return nil, err
		}
		kid, err := KeyFingerprint(publicKey)
		if err != nil {
			return nil, err
		}
		keys[kid] = publicKey
	}

	return &Validator{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
		),
		keys: keys,
	}, nil
}

// Validate verifies the token and returns its principal. Every failure wraps
// ErrInvalidToken.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, v.keyFunc); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("JWT parse error")
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	principal, err := principalFromClaims(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return principal, nil
}

// keyFunc selects the verification key by kid, falling back to the only key
// when the token has no kid.
func (v *Validator) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		if len(v.keys) == 1 {
			for _, key := range v.keys {
				return key, nil
			}
		}
		return nil, errors.New("missing kid")
	}

	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid: %s", kid)
	}
	return key, nil
}

func principalFromClaims(claims *Claims) (*Principal, error) {
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}

	if claims.Platform {
		if claims.Role != RolePlatformAdmin {
			return nil, fmt.Errorf("platform claim not permitted for role %q", claims.Role)
		}
		if claims.Tenant != "" {
			return nil, errors.New("platform token must not be bound to a tenant")
		}
		return &Principal{Subject: claims.Subject, Role: claims.Role, PlatformWide: true}, nil
	}

	if claims.Tenant == "" {
		return nil, errors.New("missing tenant claim")
	}
	if err := tenant.ValidateSlug(claims.Tenant); err != nil {
		return nil, err
	}

	return &Principal{
		Subject:    claims.Subject,
		Role:       claims.Role,
		TenantSlug: claims.Tenant,
	}, nil
}
