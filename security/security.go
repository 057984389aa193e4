// Package security implements the JWT session authorization used by the
// WebSocket subscriber surface.
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer identifies tokens minted for this service.
const Issuer = "urn:mah.priv.at"

// ErrNoSecret is returned when an Authenticator is constructed without
// a shared secret.
var ErrNoSecret = errors.New("security: empty JWT secret")

// Claims carried by subscriber tokens. usr names the authenticated user
// and dur caps the session length in seconds from connect time; the
// registered exp claim is the absolute cutoff.
type Claims struct {
	User     string `json:"usr"`
	Duration int64  `json:"dur"`
	ReuseIn  int64  `json:"rui,omitempty"`
	jwt.RegisteredClaims
}

// Deadline returns the session cutoff: now+dur, clamped to the token
// expiry.
func (c *Claims) Deadline(now time.Time) time.Time {
	d := now.Add(time.Duration(c.Duration) * time.Second)
	if c.ExpiresAt != nil && c.ExpiresAt.Time.Before(d) {
		return c.ExpiresAt.Time
	}
	return d
}

// Authenticator verifies and mints HS256 tokens for a fixed audience
// set (the advertised WebSocket subprotocols).
type Authenticator struct {
	secret   []byte
	audience []string
}

// NewAuthenticator builds an Authenticator from the shared secret.
func NewAuthenticator(secret string, audience []string) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Authenticator{secret: []byte(secret), audience: audience}, nil
}

// Verify checks signature, algorithm, issuer and expiry, and that the
// token audience covers the negotiated subprotocol.
func (a *Authenticator) Verify(token, audience string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, a.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.User == "" {
		return nil, errors.New("security: token has no usr claim")
	}
	return claims, nil
}

func (a *Authenticator) key(_ *jwt.Token) (interface{}, error) {
	return a.secret, nil
}

// Mint issues a token for user, good for dur per session and absolutely
// until expiresAt, bound to the authenticator's audience set.
func (a *Authenticator) Mint(user string, dur time.Duration, expiresAt time.Time) (string, error) {
	claims := &Claims{
		User:     user,
		Duration: int64(dur / time.Second),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings(a.audience),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
