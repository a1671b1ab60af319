// Package identity derives the mesh's DHT namespace from an optional
// shared network secret. It never touches payload confidentiality —
// key material for that is out of this core's scope (spec.md's "what
// runs atop a delivered byte stream is not this core's concern").
package identity

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest network secret accepted. Shorter
// secrets collapse the DHT infohash space enough to make collision
// with an unrelated mesh plausible.
const MinSecretLength = 16

const (
	hkdfInfoNetworkID    = "meshcore-network-id-v1"
	hkdfRendezvousSuffix = "meshcore-rendezvous-v1"

	networkIDSize    = 20 // DHT infohash, BEP 5
	rendezvousIDSize = 8
)

// DerivedIdentity holds the DHT-facing identifiers derived from a
// shared network secret.
type DerivedIdentity struct {
	NetworkID    [20]byte // BEP 5 infohash this mesh announces itself under
	RendezvousID [8]byte  // per-mesh value; pkg/meshcore mixes it into the stem-relay seed
}

// Derive expands secret into a DerivedIdentity. Two nodes configured
// with the same secret derive identical identifiers and therefore find
// each other on the DHT; nodes with different secrets (or no secret at
// all) never collide.
func Derive(secret string) (*DerivedIdentity, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("identity: secret must be at least %d characters", MinSecretLength)
	}

	id := &DerivedIdentity{}

	if err := deriveHKDF(secret, hkdfInfoNetworkID, id.NetworkID[:]); err != nil {
		return nil, fmt.Errorf("identity: derive network id: %w", err)
	}

	rvHash := sha256.Sum256([]byte(secret + hkdfRendezvousSuffix))
	copy(id.RendezvousID[:], rvHash[:rendezvousIDSize])

	return id, nil
}

// Anonymous returns the identity used when no network secret is
// configured: a fixed, well-known infohash so anonymous-mesh nodes
// (those with no shared secret) can still rendezvous with each other,
// while never colliding with a secret-scoped mesh (every secret-scoped
// NetworkID is HKDF output and collides with this fixed value only
// with negligible probability).
func Anonymous() *DerivedIdentity {
	hash := sha256.Sum256([]byte("meshcore-anonymous-v1"))
	id := &DerivedIdentity{}
	copy(id.NetworkID[:], hash[:networkIDSize])
	copy(id.RendezvousID[:], hash[networkIDSize:networkIDSize+rendezvousIDSize])
	return id
}

func deriveHKDF(secret, info string, output []byte) error {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	_, err := io.ReadFull(reader, output)
	return err
}
