package auth

import (
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenConfig{Secret: "test-secret-0123456789"})
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	return issuer
}

func TestAccessTokenRoundtrip(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.IssueAccess(42)
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	userID, err := issuer.VerifyAccess(token)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if userID != 42 {
		t.Fatalf("user id = %d, want 42", userID)
	}
}

func TestTokenTypesDoNotCross(t *testing.T) {
	issuer := newTestIssuer(t)

	access, err := issuer.IssueAccess(1)
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	refresh, err := issuer.IssueRefresh(1)
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}

	if _, err := issuer.VerifyAccess(refresh); err == nil {
		t.Fatalf("refresh token verified as access")
	}
	if _, err := issuer.VerifyRefresh(access); err == nil {
		t.Fatalf("access token verified as refresh")
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	issuer := newTestIssuer(t)
	other, err := NewTokenIssuer(TokenConfig{Secret: "another-secret-entirely"})
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}

	token, err := other.IssueAccess(1)
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	if _, err := issuer.VerifyAccess(token); err == nil {
		t.Fatalf("token signed with a different secret verified")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenConfig{
		Secret:    "test-secret-0123456789",
		AccessTTL: time.Nanosecond,
		Leeway:    time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	token, err := issuer.IssueAccess(1)
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := issuer.VerifyAccess(token); err == nil {
		t.Fatalf("expired token verified")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(t)
	if _, err := issuer.VerifyAccess("not.a.token"); err == nil {
		t.Fatalf("garbage token verified")
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenConfig{Secret: "   "}); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}
