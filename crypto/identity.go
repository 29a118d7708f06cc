// Package crypto implements the cryptographic primitives the sync engine
// relies on: owned-identity key pairs, the challenge/response used to open a
// server session, and the symmetric encryption applied to extended payloads
// and user-data blobs.
//
// This package handles key generation, signing, and authenticated symmetric
// encryption using the NaCl constructions from Go's x/crypto packages.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// Identity is the public signing key of an owned identity. It is the unit
// of addressing for server sessions, device bindings, and message fetch.
type Identity [32]byte

// String returns a short hex form used in logs.
func (id Identity) String() string {
	return hex.EncodeToString(id[:8])
}

// Hex returns the full hex encoding of the identity.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

// IdentityFromHex parses a full hex encoding produced by Hex.
func IdentityFromHex(s string) (Identity, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, err
	}
	if len(raw) != len(Identity{}) {
		return Identity{}, errors.New("invalid identity length")
	}
	var id Identity
	copy(id[:], raw)
	return id, nil
}

// KeyPair holds the signing key pair of an owned identity. Private is the
// Ed25519 seed.
type KeyPair struct {
	Public  Identity
	Private [32]byte
}

// GenerateKeyPair creates a new random identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{}
	copy(kp.Public[:], public)
	copy(kp.Private[:], private.Seed())
	return kp, nil
}

// FromSeed rebuilds a key pair from a stored private seed.
func FromSeed(seed [32]byte) *KeyPair {
	private := ed25519.NewKeyFromSeed(seed[:])
	kp := &KeyPair{Private: seed}
	copy(kp.Public[:], private.Public().(ed25519.PublicKey))
	return kp
}

// GenerateNonce returns n cryptographically secure random bytes.
func GenerateNonce(n int) ([]byte, error) {
	nonce := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// GenerateSharedKey creates a random 32-byte symmetric key, used for
// extended payloads and user-data blobs.
func GenerateSharedKey() ([32]byte, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return [32]byte{}, err
	}
	return key, nil
}

// GenerateEphemeralKeyPair creates a NaCl box key pair for the identity
// transfer protocol's ephemeral identity.
func GenerateEphemeralKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{Private: *privateKey}
	copy(kp.Public[:], publicKey[:])
	return kp, nil
}
