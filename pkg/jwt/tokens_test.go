package jwt

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestSessionRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := IssueSession("secret", SessionClaims{TeamID: "t1", TeamName: "Alpha", TeamCode: "AB12", DeviceID: "d1"}, now, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseSession(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.TeamID != "t1" || claims.DeviceID != "d1" || claims.TeamCode != "AB12" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := ParseSession(token, "other"); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestSessionExpired(t *testing.T) {
	token, err := IssueSession("secret", SessionClaims{TeamID: "t1", DeviceID: "d1"}, time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseSession(token, "secret"); !errors.Is(err, jwtlib.ErrTokenExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
	claims, err := ParseSession(token, "secret", AllowExpired())
	if err != nil {
		t.Fatalf("parse allowing expired: %v", err)
	}
	if claims.DeviceID != "d1" {
		t.Fatalf("unexpected device %q", claims.DeviceID)
	}
	if _, err := ParseSession(token, "wrong", AllowExpired()); err == nil {
		t.Fatalf("expected signature failure even when expiry is ignored")
	}
}

func TestParseAdmin(t *testing.T) {
	now := time.Now()
	token, err := IssueAdmin("idp", "ops@example.com", "https://idp.example.com", now, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseAdmin(token, "idp", "https://idp.example.com"); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ParseAdmin(token, "idp", "https://other.example.com"); err == nil {
		t.Fatalf("expected issuer mismatch")
	}

	participant, err := IssueSession("idp", SessionClaims{TeamID: "t1", DeviceID: "d1"}, now, time.Hour)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if _, err := ParseAdmin(participant, "idp", ""); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestSessionWithClock(t *testing.T) {
	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := IssueSession("secret", SessionClaims{TeamID: "t1", DeviceID: "d1"}, issued, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	at := func(d time.Duration) func() time.Time {
		return func() time.Time { return issued.Add(d) }
	}
	if _, err := ParseSession(token, "secret", WithClock(at(30*time.Minute))); err != nil {
		t.Fatalf("expected token valid within ttl: %v", err)
	}
	if _, err := ParseSession(token, "secret", WithClock(at(2*time.Hour))); !errors.Is(err, jwtlib.ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}
