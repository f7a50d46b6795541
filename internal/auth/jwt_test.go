package auth

import (
	"testing"
	"time"
)

func TestJWT_RoundTrip(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")
	token, err := issuer.IssueSandboxToken("ab12cd34", time.Hour)
	if err != nil {
		t.Fatalf("IssueSandboxToken() error: %v", err)
	}

	claims, err := issuer.ValidateSandboxToken(token)
	if err != nil {
		t.Fatalf("ValidateSandboxToken() error: %v", err)
	}
	if claims.SandboxID != "ab12cd34" {
		t.Errorf("sandbox id = %s", claims.SandboxID)
	}
	if claims.Issuer != "fcsandbox" {
		t.Errorf("issuer = %s", claims.Issuer)
	}
}

func TestJWT_WrongSecret(t *testing.T) {
	token, err := NewJWTIssuer("secret-a").IssueSandboxToken("ab12cd34", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTIssuer("secret-b").ValidateSandboxToken(token); err == nil {
		t.Fatal("expected validation failure with wrong secret")
	}
}

func TestJWT_Expired(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")
	token, err := issuer.IssueSandboxToken("ab12cd34", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.ValidateSandboxToken(token); err == nil {
		t.Fatal("expected validation failure for expired token")
	}
}
