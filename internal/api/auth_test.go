package api

import (
	"context"
	goerrors "errors"
	"net/http/httptest"
	"testing"

	"github.com/copperline/jitbroker/internal/config"
	brokererrors "github.com/copperline/jitbroker/internal/errors"
)

type fakeAssertionChecker struct {
	email string
	err   error
	seen  string
}

func (f *fakeAssertionChecker) VerifyAssertion(ctx context.Context, assertion string) (string, error) {
	f.seen = assertion
	return f.email, f.err
}

func TestIdentify_PlainHeader(t *testing.T) {
	auth, err := NewAuthenticator(context.Background(), config.IAPConfig{})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/api/scopes", nil)
	req.Header.Set(iapEmailHeader, "accounts.google.com:Alice@Example.com")

	user, err := auth.Identify(req)
	if err != nil {
		t.Fatal(err)
	}
	if user != "alice@example.com" {
		t.Errorf("user = %q, want the prefix stripped and address lowercased", user)
	}
}

func TestIdentify_PlainHeaderWithoutPrefix(t *testing.T) {
	auth := &Authenticator{}

	req := httptest.NewRequest("GET", "/api/scopes", nil)
	req.Header.Set(iapEmailHeader, "bob@example.com")

	user, err := auth.Identify(req)
	if err != nil {
		t.Fatal(err)
	}
	if user != "bob@example.com" {
		t.Errorf("user = %q", user)
	}
}

func TestIdentify_MissingHeader(t *testing.T) {
	auth := &Authenticator{}

	_, err := auth.Identify(httptest.NewRequest("GET", "/api/scopes", nil))
	if !goerrors.Is(err, brokererrors.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want not-authenticated", err)
	}
}

func TestIdentify_MalformedEmail(t *testing.T) {
	auth := &Authenticator{}

	req := httptest.NewRequest("GET", "/api/scopes", nil)
	req.Header.Set(iapEmailHeader, "accounts.google.com:not-an-address")

	if _, err := auth.Identify(req); err == nil {
		t.Fatal("expected an error for a malformed address")
	}
}

func TestIdentify_VerifiedAssertion(t *testing.T) {
	checker := &fakeAssertionChecker{email: "carol@example.com"}
	auth := &Authenticator{verify: true, checker: checker}

	req := httptest.NewRequest("GET", "/api/scopes", nil)
	req.Header.Set(iapEmailHeader, "accounts.google.com:spoofed@evil.example")
	req.Header.Set(iapAssertionHeader, "header.payload.sig")

	user, err := auth.Identify(req)
	if err != nil {
		t.Fatal(err)
	}
	if user != "carol@example.com" {
		t.Errorf("user = %q, want the asserted identity, not the plain header", user)
	}
	if checker.seen != "header.payload.sig" {
		t.Errorf("checker saw %q", checker.seen)
	}
}

func TestIdentify_MissingAssertion(t *testing.T) {
	auth := &Authenticator{verify: true, checker: &fakeAssertionChecker{email: "x@example.com"}}

	req := httptest.NewRequest("GET", "/api/scopes", nil)
	req.Header.Set(iapEmailHeader, "accounts.google.com:alice@example.com")

	_, err := auth.Identify(req)
	if !goerrors.Is(err, brokererrors.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want not-authenticated despite the email header", err)
	}
}

func TestIdentify_RejectedAssertion(t *testing.T) {
	checker := &fakeAssertionChecker{err: goerrors.New("expired")}
	auth := &Authenticator{verify: true, checker: checker}

	req := httptest.NewRequest("GET", "/api/scopes", nil)
	req.Header.Set(iapAssertionHeader, "header.payload.sig")

	_, err := auth.Identify(req)
	if !goerrors.Is(err, brokererrors.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want not-authenticated", err)
	}
}

func TestNewAuthenticator_RequiresAudience(t *testing.T) {
	_, err := NewAuthenticator(context.Background(), config.IAPConfig{VerifyAssertion: true})
	if err == nil {
		t.Fatal("expected an error when verification is enabled without an audience")
	}
}
