package mgmt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StreamClaims are the claims carried by a minted stream token.
type StreamClaims struct {
	Subject  string
	WallID   string
	SourceID string
	TileID   string
	Expires  time.Time
}

// Minter issues short-lived symmetric stream tokens. The media plane
// validates them independently with the shared secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewMinter builds a minter with the shared secret and TTL.
func NewMinter(secret string, ttl time.Duration) *Minter {
	return &Minter{secret: []byte(secret), ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (m *Minter) WithClock(clock func() time.Time) *Minter {
	m.clock = clock
	return m
}

// Mint signs a stream token for the subject and target. exp = now + TTL.
func (m *Minter) Mint(sub, wallID, sourceID, tileID string) (string, time.Time, error) {
	now := m.clock()
	exp := now.Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       sub,
		"wall_id":   wallID,
		"source_id": sourceID,
		"tile_id":   tileID,
		"iat":       now.Unix(),
		"exp":       exp.Unix(),
		"typ":       "stream",
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mgmt: sign stream token: %w", err)
	}
	return signed, exp, nil
}

// Validate checks the signature and expiry and recovers the claims.
func (m *Minter) Validate(tokenString string) (*StreamClaims, error) {
	var mc jwt.MapClaims
	token, err := jwt.ParseWithClaims(tokenString, &mc, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.clock))
	if err != nil {
		return nil, fmt.Errorf("mgmt: stream token: %w", err)
	}
	if typ, _ := mc["typ"].(string); typ != "stream" {
		return nil, errors.New("mgmt: stream token: wrong type")
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.New("mgmt: stream token: missing exp")
	}

	c := &StreamClaims{Expires: exp.Time}
	c.Subject, _ = mc["sub"].(string)
	c.WallID, _ = mc["wall_id"].(string)
	c.SourceID, _ = mc["source_id"].(string)
	c.TileID, _ = mc["tile_id"].(string)
	return c, nil
}
