package identity

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
)

// Record is the storable form of an identity. Private scalars are
// base64url; the record lives in the local keys store only and is
// never sent anywhere.
type Record struct {
	Hik     string    `json:"hik"`
	SignD   string    `json:"signD"`
	PubJwk  PublicJWK `json:"pubJwk"`
	AgreeD  string    `json:"agreeD"`
	DhJwk   PublicJWK `json:"dhJwk"`
	Created int64     `json:"createdAt"`
}

func (id *Identity) Export(createdAt int64) (Record, error) {
	d := make([]byte, 32)
	id.signing.D.FillBytes(d)
	return Record{
		Hik:     id.Hik,
		SignD:   base64.RawURLEncoding.EncodeToString(d),
		PubJwk:  id.PubJwk,
		AgreeD:  base64.RawURLEncoding.EncodeToString(id.agreement.Bytes()),
		DhJwk:   id.DhJwk,
		Created: createdAt,
	}, nil
}

func Import(rec Record) (*Identity, error) {
	pub, err := importSigningPublic(rec.PubJwk)
	if err != nil {
		return nil, fmt.Errorf("import signing public: %w", err)
	}
	db, err := base64.RawURLEncoding.DecodeString(rec.SignD)
	if err != nil {
		return nil, fmt.Errorf("decode signing scalar: %w", err)
	}
	sk := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: pub.X, Y: pub.Y},
		D:         new(big.Int).SetBytes(db),
	}
	ab, err := base64.RawURLEncoding.DecodeString(rec.AgreeD)
	if err != nil {
		return nil, fmt.Errorf("decode agreement scalar: %w", err)
	}
	ak, err := ecdh.P256().NewPrivateKey(ab)
	if err != nil {
		return nil, fmt.Errorf("import agreement key: %w", err)
	}
	return &Identity{
		Hik:       rec.Hik,
		signing:   sk,
		agreement: ak,
		PubJwk:    rec.PubJwk,
		DhJwk:     rec.DhJwk,
	}, nil
}
