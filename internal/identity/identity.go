// Package identity holds the local keypairs and the identifiers
// derived from them. Signing and key-agreement keys are distinct and
// never swap roles: the ECDSA key only ever signs chain entries, the
// ECDH key only ever derives session secrets.
package identity

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"

	"balancechain/internal/codec"
	"balancechain/internal/cryptographic/dh"
	"balancechain/internal/cryptographic/signature"
)

// PublicJWK is the portable public-key representation carried inside
// chain entries and key-exchange frames: JWK-shaped, base64url
// coordinates without padding. Its canonical serialization is the
// input to ComputeHID, so field names and encoding are fixed.
type PublicJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k PublicJWK) IsZero() bool {
	return k.Kty == "" && k.X == ""
}

type Identity struct {
	Hik string

	signing   *ecdsa.PrivateKey
	agreement *ecdh.PrivateKey

	PubJwk PublicJWK // signing public key
	DhJwk  PublicJWK // key-agreement public key
}

// Generate creates a fresh identity: an ECDSA P-256 signing keypair,
// an ECDH P-256 agreement keypair and a random HIK label.
func Generate() (*Identity, error) {
	sk, err := signature.NewP256Keypair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	ak, err := dh.NewP256KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate agreement key: %w", err)
	}
	id := &Identity{
		Hik:       "HIK-" + codec.RandomHex(8),
		signing:   sk,
		agreement: ak,
		PubJwk:    ExportPublic(&sk.PublicKey),
	}
	id.DhJwk, err = exportAgreementPublic(ak.PublicKey())
	if err != nil {
		return nil, err
	}
	return id, nil
}

// HID returns the content-derived public identifier of this identity.
func (id *Identity) HID() string {
	return ComputeHID(id.PubJwk)
}

// Agreement exposes the key-agreement private key for session setup.
func (id *Identity) Agreement() *ecdh.PrivateKey {
	return id.agreement
}

// Sign signs text with the identity's signing key and returns the raw
// r||s signature in base64.
func (id *Identity) Sign(text string) (string, error) {
	sig, err := signature.P256Sign(id.signing, []byte(text))
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks sigB64 over text against the given public key. It
// never panics and returns false on any malformed input.
func Verify(pub PublicJWK, text, sigB64 string) bool {
	key, err := importSigningPublic(pub)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return signature.P256Verify(key, []byte(text), sig)
}

// ExportPublic converts an ECDSA public key into its portable form.
func ExportPublic(pub *ecdsa.PublicKey) PublicJWK {
	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return PublicJWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}

func exportAgreementPublic(pub *ecdh.PublicKey) (PublicJWK, error) {
	x, y, err := dh.PublicKeyCoords(pub)
	if err != nil {
		return PublicJWK{}, fmt.Errorf("export agreement key: %w", err)
	}
	return PublicJWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}, nil
}

// ImportAgreementPublic rebuilds a peer's ECDH public key from its
// portable form.
func ImportAgreementPublic(pub PublicJWK) (*ecdh.PublicKey, error) {
	x, err := base64.RawURLEncoding.DecodeString(pub.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(pub.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return dh.ParsePublicKey(x, y)
}

func importSigningPublic(pub PublicJWK) (*ecdsa.PublicKey, error) {
	if pub.Kty != "EC" || pub.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", pub.Kty, pub.Crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(pub.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(pub.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	if len(xb) != 32 || len(yb) != 32 {
		return nil, fmt.Errorf("bad coordinate length %d/%d", len(xb), len(yb))
	}
	key := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, fmt.Errorf("point not on curve")
	}
	return key, nil
}
