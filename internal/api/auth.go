package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/copperline/jitbroker/internal/config"
	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
)

// Headers planted by the fronting identity-aware proxy.
const (
	iapEmailHeader     = "X-Goog-Authenticated-User-Email"
	iapAssertionHeader = "X-Goog-IAP-JWT-Assertion"

	// iapEmailPrefix precedes the address in the email header.
	iapEmailPrefix = "accounts.google.com:"

	// iapKeysURL publishes the proxy's assertion signing keys.
	iapKeysURL = "https://www.gstatic.com/iap/verify/public_key-jwk"
)

// assertionVerifier checks a proxy JWT assertion and yields the
// asserted email.
type assertionVerifier interface {
	VerifyAssertion(ctx context.Context, assertion string) (string, error)
}

// Authenticator establishes the calling principal from proxy headers.
// With assertion verification on, the signed JWT assertion is
// authoritative; otherwise the plain email header is trusted, which is
// acceptable solely behind a trusted proxy.
type Authenticator struct {
	verify  bool
	checker assertionVerifier
}

// NewAuthenticator builds the authenticator. The remote key set
// refreshes lazily on ctx for the lifetime of the process.
func NewAuthenticator(ctx context.Context, cfg config.IAPConfig) (*Authenticator, error) {
	a := &Authenticator{verify: cfg.VerifyAssertion}
	if !cfg.VerifyAssertion {
		return a, nil
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("iap audience is required when assertion verification is enabled")
	}
	keySet := oidc.NewRemoteKeySet(ctx, iapKeysURL)
	verifier := oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{
		ClientID:             cfg.Audience,
		SupportedSigningAlgs: []string{oidc.ES256},
	})
	a.checker = &oidcAssertionVerifier{verifier: verifier}
	return a, nil
}

// Identify returns the authenticated user for the request.
func (a *Authenticator) Identify(r *http.Request) (identity.UserID, error) {
	const op = "authenticate"

	if a.verify {
		assertion := strings.TrimSpace(r.Header.Get(iapAssertionHeader))
		if assertion == "" {
			return "", errors.NotAuthenticated(op, fmt.Errorf("missing %s header", iapAssertionHeader))
		}
		email, err := a.checker.VerifyAssertion(r.Context(), assertion)
		if err != nil {
			return "", errors.NotAuthenticated(op, fmt.Errorf("assertion rejected: %w", err))
		}
		return identity.NewUserID(email)
	}

	header := strings.TrimSpace(r.Header.Get(iapEmailHeader))
	if header == "" {
		return "", errors.NotAuthenticated(op, fmt.Errorf("missing %s header", iapEmailHeader))
	}
	return identity.NewUserID(strings.TrimPrefix(header, iapEmailPrefix))
}

// oidcAssertionVerifier verifies assertions against the proxy's
// published keys.
type oidcAssertionVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func (v *oidcAssertionVerifier) VerifyAssertion(ctx context.Context, assertion string) (string, error) {
	token, err := v.verifier.Verify(ctx, assertion)
	if err != nil {
		return "", err
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("decode assertion claims: %w", err)
	}
	if claims.Email == "" {
		return "", fmt.Errorf("assertion carries no email claim")
	}
	return claims.Email, nil
}
