package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const sessionIssuer = "scrs"

// RoleAdmin is the role claim an administrator identity token must carry.
const RoleAdmin = "admin"

// SessionClaims is the payload of a participant session token.
type SessionClaims struct {
	TeamID   string `json:"team_id"`
	TeamName string `json:"team_name"`
	TeamCode string `json:"team_code"`
	DeviceID string `json:"device_id"`
	jwtlib.RegisteredClaims
}

// AdminClaims is the payload of an administrator identity token issued by
// the external identity provider.
type AdminClaims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwtlib.RegisteredClaims
}

// ErrNotAdmin is returned when a valid identity token lacks the admin role.
var ErrNotAdmin = errors.New("jwt: identity is not an administrator")

// IssueSession signs a session token valid for ttl from now.
func IssueSession(secret string, claims SessionClaims, now time.Time, ttl time.Duration) (string, error) {
	claims.RegisteredClaims = jwtlib.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   claims.TeamID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseOption adjusts session token parsing.
type ParseOption func(*parseOptions)

type parseOptions struct {
	allowExpired bool
	now          func() time.Time
}

// AllowExpired accepts tokens whose exp has passed. The signature is still verified.
func AllowExpired() ParseOption {
	return func(o *parseOptions) { o.allowExpired = true }
}

// WithClock validates expiry against now instead of the wall clock.
func WithClock(now func() time.Time) ParseOption {
	return func(o *parseOptions) { o.now = now }
}

// ParseSession validates a session token and extracts its claims.
func ParseSession(token, secret string, opts ...ParseOption) (*SessionClaims, error) {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}
	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(sessionIssuer),
	}
	if o.allowExpired {
		parserOpts = []jwtlib.ParserOption{
			jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
			jwtlib.WithoutClaimsValidation(),
		}
	}
	if o.now != nil {
		parserOpts = append(parserOpts, jwtlib.WithTimeFunc(o.now))
	}
	parsed, err := jwtlib.ParseWithClaims(token, &SessionClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid || claims.TeamID == "" || claims.DeviceID == "" {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// IssueAdmin signs an administrator identity token. Production tokens come
// from the identity provider; this is used by tooling and tests.
func IssueAdmin(secret, subject, issuer string, now time.Time, ttl time.Duration) (string, error) {
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdmin validates an administrator identity token. An empty issuer skips
// the issuer check.
func ParseAdmin(token, secret, issuer string) (*AdminClaims, error) {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(issuer))
	}
	parsed, err := jwtlib.ParseWithClaims(token, &AdminClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	if claims.Role != RoleAdmin {
		return nil, ErrNotAdmin
	}
	return claims, nil
}
