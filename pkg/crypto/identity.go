// Package crypto provides node identities for the market: Ed25519 keys whose
// hex public key doubles as the NodeID, deterministic derivation from a seed,
// and agreement attestation tokens.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Identity is the signing capability of the local node.
type Identity interface {
	NodeID() string
	Sign(data []byte) (string, error)
	Verify(nodeID string, data []byte, sigHex string) (bool, error)
}

// Ed25519Identity implementation.
type Ed25519Identity struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewEd25519Identity generates a fresh random identity.
func NewEd25519Identity() (*Ed25519Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewIdentityFromKey(priv), nil
}

// NewIdentityFromKey wraps an existing private key.
func NewIdentityFromKey(priv ed25519.PrivateKey) *Ed25519Identity {
	return &Ed25519Identity{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}
}

// DeriveIdentity derives a deterministic identity from seed material using
// HKDF-SHA256, with label as the info parameter. The same seed and label
// always yield the same NodeID.
func DeriveIdentity(seed []byte, label string) (*Ed25519Identity, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("identity seed too short: %d bytes", len(seed))
	}
	if label == "" {
		return nil, fmt.Errorf("identity label must not be empty")
	}
	r := hkdf.New(sha256.New, seed, []byte("helm-market-node-kdf"), []byte(label))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewIdentityFromKey(ed25519.NewKeyFromSeed(keySeed)), nil
}

// NodeID is the hex-encoded public key.
func (i *Ed25519Identity) NodeID() string {
	return hex.EncodeToString(i.pubKey)
}

// PublicKey returns the raw public key.
func (i *Ed25519Identity) PublicKey() ed25519.PublicKey { return i.pubKey }

func (i *Ed25519Identity) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(i.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (i *Ed25519Identity) Verify(nodeID string, data []byte, sigHex string) (bool, error) {
	return Verify(nodeID, sigHex, data)
}

// Verify verifies a signature against a public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := PublicKeyFromNodeID(pubKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

// PublicKeyFromNodeID decodes a NodeID into its Ed25519 public key.
func PublicKeyFromNodeID(nodeID string) (ed25519.PublicKey, error) {
	pubKey, err := hex.DecodeString(nodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size")
	}
	return ed25519.PublicKey(pubKey), nil
}
