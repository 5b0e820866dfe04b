package dh

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// Generate a new P-256 key-agreement key pair.
func NewP256KeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv, nil
}

// SharedSecret performs ECDH between our private key and the peer's
// public key.
func SharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(peerPub)
}

// PublicKeyCoords splits an uncompressed P-256 public point into its
// 32-byte x and y affine coordinates.
func PublicKeyCoords(pub *ecdh.PublicKey) (x, y []byte, err error) {
	raw := pub.Bytes()
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, nil, fmt.Errorf("unexpected public key encoding (%d bytes)", len(raw))
	}
	return raw[1:33], raw[33:65], nil
}

// ParsePublicKey rebuilds a P-256 public key from 32-byte affine
// coordinates.
func ParsePublicKey(x, y []byte) (*ecdh.PublicKey, error) {
	if len(x) != 32 || len(y) != 32 {
		return nil, fmt.Errorf("coordinates must be 32 bytes, got %d/%d", len(x), len(y))
	}
	raw := make([]byte, 65)
	raw[0] = 0x04
	copy(raw[1:33], x)
	copy(raw[33:65], y)
	return ecdh.P256().NewPublicKey(raw)
}
