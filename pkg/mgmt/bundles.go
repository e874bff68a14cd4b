package mgmt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/videowall-io/controlplane/pkg/canonical"
)

var ErrInvalidHMAC = errors.New("invalid_hmac")

// BundlePayload is the exportable snapshot: walls, sources, and the
// currently active layout per wall.
type BundlePayload struct {
	Walls         []Wall   `json:"walls"`
	Sources       []Source `json:"sources"`
	ActiveLayouts []Layout `json:"active_layouts"`
}

// Bundle wraps a payload with its destination ring and optional HMAC.
type Bundle struct {
	Ring    string        `json:"ring"`
	Payload BundlePayload `json:"payload"`
	HMACHex string        `json:"hmac_hex,omitempty"`
}

// Bundler exports and stages state bundles for cross-ring transfer. A
// configured secret makes import authentication mandatory.
type Bundler struct {
	store  *Store
	secret []byte
}

// NewBundler builds a bundler; an empty secret disables HMAC checks.
func NewBundler(store *Store, secret string) *Bundler {
	b := &Bundler{store: store}
	if secret != "" {
		b.secret = []byte(secret)
	}
	return b
}

// Export assembles the current state into a bundle, signed when a secret
// is configured.
func (b *Bundler) Export(ctx context.Context, ring string) (*Bundle, error) {
	walls, err := b.store.ListWalls(ctx)
	if err != nil {
		return nil, err
	}
	sources, err := b.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	active, err := b.store.ActiveLayouts(ctx)
	if err != nil {
		return nil, err
	}
	layouts := make([]Layout, 0, len(active))
	for _, w := range walls {
		if l, ok := active[w.ID]; ok {
			layouts = append(layouts, l)
		}
	}

	bundle := &Bundle{
		Ring:    ring,
		Payload: BundlePayload{Walls: walls, Sources: sources, ActiveLayouts: layouts},
	}
	if b.secret != nil {
		mac, err := b.sign(bundle.Payload)
		if err != nil {
			return nil, err
		}
		bundle.HMACHex = mac
	}
	return bundle, nil
}

// VerifyImport authenticates an incoming bundle. The comparison is
// constant time. With no secret configured every bundle is accepted.
func (b *Bundler) VerifyImport(bundle Bundle) error {
	if b.secret == nil {
		return nil
	}
	expected, err := b.sign(bundle.Payload)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(bundle.HMACHex)
	if err != nil {
		return ErrInvalidHMAC
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(got, want) {
		return ErrInvalidHMAC
	}
	return nil
}

// sign computes the hex HMAC-SHA256 over the canonical JSON rendering of
// the payload, so signature bytes do not depend on field order.
func (b *Bundler) sign(payload BundlePayload) (string, error) {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
