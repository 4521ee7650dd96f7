package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/tenantry/internal/auth"
)

// TokenCmd issues access tokens and signing keys for tooling and tests.
type TokenCmd struct {
	Issue  TokenIssueCmd  `cmd:"" help:"Issue a signed access token"`
	Keygen TokenKeygenCmd `cmd:"" help:"Generate an ES256 signing key pair"`
}

type TokenIssueCmd struct {
	Subject    string        `help:"Subject identifier" required:""`
	Role       string        `help:"Role claim" default:"member"`
	Tenant     string        `help:"Tenant slug the token is bound to"`
	Platform   bool          `help:"Issue a platform wide token, requires the platform_admin role" default:"false"`
	Issuer     string        `help:"Issuer claim" required:"" env:"TENANTRY_TOKEN_ISSUER"`
	TTL        time.Duration `help:"Token lifetime" default:"1h"`
	SigningKey string        `help:"PEM encoded ES256 signing key" required:"" env:"TENANTRY_SIGNING_KEY"`
}

func (t *TokenIssueCmd) Run(ctx context.Context) error {
	token, err := auth.IssueToken(t.SigningKey, auth.TokenRequest{
		Subject:  t.Subject,
		Role:     t.Role,
		Tenant:   t.Tenant,
		Platform: t.Platform,
		Issuer:   t.Issuer,
		TTL:      t.TTL,
	})
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

type TokenKeygenCmd struct {
	Out string `help:"File prefix, writes <out>.pem and <out>.pub.pem" default:"tenantry-signing"`
}

func (k *TokenKeygenCmd) Run(ctx context.Context) error {
	privatePEM, publicPEM, err := auth.GenerateSigningKey()
	if err != nil {
		return err
	}

	if err := os.WriteFile(k.Out+".pem", []byte(privatePEM), 0o600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	if err := os.WriteFile(k.Out+".pub.pem", []byte(publicPEM), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	publicKey, err := auth.ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return err
	}
	kid, err := auth.KeyFingerprint(publicKey)
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %s.pem and %s.pub.pem (kid %s)\n", k.Out, k.Out, kid)
	return nil
}
