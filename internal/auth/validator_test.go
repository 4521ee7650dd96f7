package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testIssuer = "tenantry-test"

func generateSigner(t *testing.T) (*Signer, string) {
	t.Helper()
	privateKeyPEM, publicKeyPEM, err := GenerateSigningKey()
	require.NoError(t, err)

	signer, err := NewSigner(privateKeyPEM)
	require.NoError(t, err)
	return signer, publicKeyPEM
}

func newTestValidator(t *testing.T, publicKeys ...string) *Validator {
	t.Helper()
	v, err := NewValidator(Config{Issuer: testIssuer, PublicKeysPEM: publicKeys})
	require.NoError(t, err)
	return v
}

func issue(t *testing.T, signer *Signer, req TokenRequest) string {
	t.Helper()
	if req.Issuer == "" {
		req.Issuer = testIssuer
	}
	if req.TTL == 0 {
		req.TTL = time.Hour
	}
	token, err := signer.Issue(req)
	require.NoError(t, err)
	return token
}

func TestValidator_Validate(t *testing.T) {
	ctx := context.Background()
	signer, publicKeyPEM := generateSigner(t)
	v := newTestValidator(t, publicKeyPEM)

	t.Run("tenant bound token", func(t *testing.T) {
		token := issue(t, signer, TokenRequest{Subject: "user-1", Role: "member", Tenant: "acme"})

		principal, err := v.Validate(ctx, token)
		require.NoError(t, err)
		require.Equal(t, &Principal{Subject: "user-1", Role: "member", TenantSlug: "acme"}, principal)
		require.True(t, principal.CanAccess("acme"))
		require.False(t, principal.CanAccess("beta"))
		require.False(t, principal.IsPlatformAdmin())
	})

	t.Run("platform admin token", func(t *testing.T) {
		token := issue(t, signer, TokenRequest{Subject: "ops", Role: RolePlatformAdmin, Platform: true})

		principal, err := v.Validate(ctx, token)
		require.NoError(t, err)
		require.True(t, principal.PlatformWide)
		require.True(t, principal.CanAccess("acme"))
		require.True(t, principal.IsPlatformAdmin())
	})

	tests := []struct {
		name string
		req  TokenRequest
	}{
		{name: "platform claim without admin role", req: TokenRequest{Subject: "u", Role: "member", Platform: true}},
		{name: "platform claim with tenant", req: TokenRequest{Subject: "u", Role: RolePlatformAdmin, Platform: true, Tenant: "acme"}},
		{name: "no tenant and no platform", req: TokenRequest{Subject: "u", Role: "member"}},
		{name: "missing subject", req: TokenRequest{Role: "member", Tenant: "acme"}},
		{name: "malformed tenant", req: TokenRequest{Subject: "u", Tenant: "Acme Corp"}},
		{name: "wrong issuer", req: TokenRequest{Subject: "u", Tenant: "acme", Issuer: "someone-else"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := issue(t, signer, tt.req)
			_, err := v.Validate(ctx, token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	t.Run("empty token", func(t *testing.T) {
		_, err := v.Validate(ctx, "")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := v.Validate(ctx, "not.a.jwt")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidator_Expiry(t *testing.T) {
	ctx := context.Background()
	signer, publicKeyPEM := generateSigner(t)
	v := newTestValidator(t, publicKeyPEM)

	t.Run("expired beyond leeway", func(t *testing.T) {
		claims := &Claims{
			Tenant: "acme",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u",
				Issuer:    testIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
		token.Header["kid"] = signer.Kid()
		tokenStr, err := token.SignedString(signer.privateKey)
		require.NoError(t, err)

		_, err = v.Validate(ctx, tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
		require.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("missing exp", func(t *testing.T) {
		claims := &Claims{
			Tenant:           "acme",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: testIssuer},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
		token.Header["kid"] = signer.Kid()
		tokenStr, err := token.SignedString(signer.privateKey)
		require.NoError(t, err)

		_, err = v.Validate(ctx, tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidator_KeySelection(t *testing.T) {
	ctx := context.Background()
	signerA, publicA := generateSigner(t)
	signerB, publicB := generateSigner(t)
	stranger, _ := generateSigner(t)

	v := newTestValidator(t, publicA, publicB)

	for _, signer := range []*Signer{signerA, signerB} {
		_, err := v.Validate(ctx, issue(t, signer, TokenRequest{Subject: "u", Tenant: "acme"}))
		require.NoError(t, err)
	}

	_, err := v.Validate(ctx, issue(t, stranger, TokenRequest{Subject: "u", Tenant: "acme"}))
	require.ErrorIs(t, err, ErrInvalidToken)

	t.Run("no kid with several keys", func(t *testing.T) {
		claims := &Claims{
			Tenant: "acme",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u",
				Issuer:    testIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(signerA.privateKey)
		require.NoError(t, err)

		_, err = v.Validate(ctx, tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)

		single := newTestValidator(t, publicA)
		_, err = single.Validate(ctx, tokenStr)
		require.NoError(t, err)
	})

	t.Run("signed by a different key under a known kid", func(t *testing.T) {
		forged := &Signer{privateKey: stranger.privateKey, kid: signerA.Kid()}
		_, err := v.Validate(ctx, issue(t, forged, TokenRequest{Subject: "u", Tenant: "acme"}))
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidator_RejectsOtherAlgorithms(t *testing.T) {
	_, publicKeyPEM := generateSigner(t)
	v := newTestValidator(t, publicKeyPEM)

	claims := &Claims{
		Tenant: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret-key-for-testing-only-32b!"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), tokenStr)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestKeyFingerprint(t *testing.T) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)
	publicKeyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	parsed, err := ParsePublicKeyPEM(publicKeyPEM)
	require.NoError(t, err)

	a, err := KeyFingerprint(&privateKey.PublicKey)
	require.NoError(t, err)
	b, err := KeyFingerprint(parsed)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotEmpty(t, a)
}

func TestNewValidator_Config(t *testing.T) {
	_, err := NewValidator(Config{PublicKeysPEM: []string{"x"}})
	require.Error(t, err)

	_, err = NewValidator(Config{Issuer: testIssuer})
	require.Error(t, err)

	_, err = NewValidator(Config{Issuer: testIssuer, PublicKeysPEM: []string{"invalid pem"}})
	require.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateSigningKey()
	require.NoError(t, err)

	token, err := IssueToken(privateKeyPEM, TokenRequest{Subject: "u", Tenant: "acme", Issuer: testIssuer, TTL: time.Minute})
	require.NoError(t, err)

	principal, err := newTestValidator(t, publicKeyPEM).Validate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "acme", principal.TenantSlug)

	_, err = IssueToken(privateKeyPEM, TokenRequest{Subject: "u", Tenant: "acme", Issuer: testIssuer})
	require.Error(t, err)
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	require.Nil(t, PrincipalFromContext(ctx))

	p := &Principal{Subject: "u", TenantSlug: "acme"}
	require.Same(t, p, PrincipalFromContext(WithPrincipal(ctx, p)))

	var nilPrincipal *Principal
	require.False(t, nilPrincipal.CanAccess("acme"))
}
