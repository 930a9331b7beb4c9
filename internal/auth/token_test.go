package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseGrant(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueGrant(secret, GrantClaims{
		Sub:   "user-1",
		Name:  "Avery",
		Room:  "doc-1",
		Perms: []string{"room:write"},
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueGrant() error = %v", err)
	}
	claims, err := ParseGrant(secret, issued)
	if err != nil {
		t.Fatalf("ParseGrant() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Room != "doc-1" || !claims.Allows("room:write") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Allows("room:read") {
		t.Fatal("grant should not allow room:read")
	}
}

func TestParseGrantRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueGrant(secret, GrantClaims{
		Sub:  "user-1",
		Room: "doc-1",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueGrant() error = %v", err)
	}
	if _, err := ParseGrant(secret, issued); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseGrantRejectsForeignSecret(t *testing.T) {
	issued, err := IssueGrant([]byte("one"), GrantClaims{
		Sub:  "user-1",
		Room: "doc-1",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueGrant() error = %v", err)
	}
	if _, err := ParseGrant([]byte("two"), issued); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseGrant([]byte("one"), "garbage"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}
