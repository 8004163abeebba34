package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Issue("P1", "passenger", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c, err := v.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if c.Subject != "P1" || c.Role != "passenger" {
		t.Fatalf("unexpected claims %+v", c)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("s3cret")
	other := NewVerifier("other")
	tok, _ := other.Issue("P1", "passenger", time.Minute)
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	expired, _ := v.Issue("P1", "passenger", -time.Minute)
	if _, err := v.Verify(expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestDisabledVerifier(t *testing.T) {
	if NewVerifier("").Enabled() {
		t.Fatal("empty secret should disable auth")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, err := BearerToken("Bearer abc"); err != nil || tok != "abc" {
		t.Fatalf("got %q %v", tok, err)
	}
	if _, err := BearerToken("Basic abc"); err == nil {
		t.Fatal("expected error")
	}
}
