package mgmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMint_RoundTrip(t *testing.T) {
	m := NewMinter("stream-secret", 300*time.Second)

	token, exp, err := m.Mint("alice", "wall-1", "cam-1", "tile-3")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.WithinDuration(t, time.Now().Add(300*time.Second), exp, 2*time.Second)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "wall-1", claims.WallID)
	require.Equal(t, "cam-1", claims.SourceID)
	require.Equal(t, "tile-3", claims.TileID)
	require.WithinDuration(t, exp, claims.Expires, time.Second)
}

func TestValidate_Expired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	m := NewMinter("stream-secret", 300*time.Second).WithClock(func() time.Time { return past })

	token, _, err := m.Mint("alice", "w", "s", "")
	require.NoError(t, err)

	// validate with the real clock; the token expired long ago
	m.clock = time.Now
	_, err = m.Validate(token)
	require.Error(t, err)
}

func TestValidate_WrongSecret(t *testing.T) {
	a := NewMinter("secret-a", time.Minute)
	b := NewMinter("secret-b", time.Minute)

	token, _, err := a.Mint("alice", "w", "s", "")
	require.NoError(t, err)
	_, err = b.Validate(token)
	require.Error(t, err)
}

func TestValidate_Garbage(t *testing.T) {
	m := NewMinter("secret", time.Minute)
	_, err := m.Validate("not.a.token")
	require.Error(t, err)
}
