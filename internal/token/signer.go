package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/metrics"
)

// SigningOracle is the external signer. The private key stays with the
// platform; the matching public keys are published at a JWKS URL.
type SigningOracle interface {
	SignJWT(ctx context.Context, claims map[string]any) (string, error)
	JWKSURL() string
	ServiceAccount() string
}

// SignedToken is one issued proposal token with its validity.
type SignedToken struct {
	Token      string
	IssueTime  time.Time
	ExpiryTime time.Time
}

// Signer issues and verifies proposal tokens. The signing identity is
// both issuer and audience: tokens are only ever consumed by the
// service that minted them.
type Signer struct {
	oracle SigningOracle
	keys   *jwk.Cache
	now    func() time.Time
}

// NewSigner returns a signer around the oracle. The JWKS cache refreshes
// in the background for the lifetime of ctx.
func NewSigner(ctx context.Context, oracle SigningOracle) (*Signer, error) {
	keys := jwk.NewCache(ctx, jwk.WithRefreshWindow(time.Hour))
	if err := keys.Register(oracle.JWKSURL()); err != nil {
		return nil, errors.Internal("register_jwks", fmt.Errorf("register %s: %w", oracle.JWKSURL(), err))
	}
	return &Signer{oracle: oracle, keys: keys, now: time.Now}, nil
}

// Sign issues a token carrying the payload, valid for the given
// duration.
func (s *Signer) Sign(ctx context.Context, payload Payload, validity time.Duration) (*SignedToken, error) {
	issued := s.now().UTC().Truncate(time.Second)
	expiry := issued.Add(validity)

	claims, err := payloadClaims(payload)
	if err != nil {
		return nil, errors.Internal("sign_token", err)
	}
	account := s.oracle.ServiceAccount()
	claims["iss"] = account
	claims["aud"] = account
	claims["iat"] = issued.Unix()
	claims["exp"] = expiry.Unix()

	signed, err := s.oracle.SignJWT(ctx, claims)
	if err != nil {
		return nil, errors.Transient("sign_token", account, err)
	}
	return &SignedToken{Token: signed, IssueTime: issued, ExpiryTime: expiry}, nil
}

// Verify checks the signature against the oracle's published keys,
// requires issuer and audience to equal the signing identity and the
// token to be unexpired, and returns the embedded payload.
func (s *Signer) Verify(ctx context.Context, token string) (*Payload, error) {
	const op = "verify_token"

	keySet, err := s.keys.Get(ctx, s.oracle.JWKSURL())
	if err != nil {
		return nil, errors.Transient(op, s.oracle.JWKSURL(), err)
	}

	account := s.oracle.ServiceAccount()
	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKeySet(keySet),
		jwt.WithIssuer(account),
		jwt.WithAudience(account),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		metrics.RecordTokenVerification(err)
		return nil, errors.TokenVerification(op, err)
	}
	if parsed.Expiration().IsZero() {
		err := fmt.Errorf("token carries no expiry")
		metrics.RecordTokenVerification(err)
		return nil, errors.TokenVerification(op, err)
	}

	payload, err := payloadFromClaims(parsed.PrivateClaims())
	if err != nil {
		metrics.RecordTokenVerification(err)
		return nil, errors.TokenVerification(op, err)
	}
	metrics.RecordTokenVerification(nil)
	return payload, nil
}

// payloadClaims flattens the payload into JWT claims.
func payloadClaims(payload Payload) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(encoded, &claims); err != nil {
		return nil, fmt.Errorf("flatten payload: %w", err)
	}
	return claims, nil
}

// payloadFromClaims rebuilds the payload from the token's private
// claims.
func payloadFromClaims(claims map[string]any) (*Payload, error) {
	encoded, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("encode claims: %w", err)
	}
	var payload Payload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if payload.ID == "" {
		return nil, fmt.Errorf("token carries no request payload")
	}
	return &payload, nil
}
