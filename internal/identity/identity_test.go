package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balancechain/internal/cryptographic/dh"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id.Hik, "HIK-"))
	assert.Equal(t, "EC", id.PubJwk.Kty)
	assert.Equal(t, "P-256", id.PubJwk.Crv)
	assert.NotEqual(t, id.PubJwk, id.DhJwk, "signing and agreement keys must differ")
}

func TestComputeHIDReproducible(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	hid := id.HID()
	assert.True(t, strings.HasPrefix(hid, "HID-"))
	assert.Len(t, hid, len("HID-")+16)

	// A peer holding only the exported public key derives the same HID.
	assert.Equal(t, hid, ComputeHID(id.PubJwk))

	other, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, hid, other.HID())
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	sig, err := id.Sign("hello world")
	require.NoError(t, err)

	assert.True(t, Verify(id.PubJwk, "hello world", sig))
	assert.False(t, Verify(id.PubJwk, "hello world!", sig))

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, Verify(other.PubJwk, "hello world", sig))
}

func TestVerifyMalformedInputs(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	sig, err := id.Sign("x")
	require.NoError(t, err)

	tests := []struct {
		name string
		pub  PublicJWK
		text string
		sig  string
	}{
		{"empty key", PublicJWK{}, "x", sig},
		{"bad base64 sig", id.PubJwk, "x", "!!not-base64!!"},
		{"short sig", id.PubJwk, "x", "YWJj"},
		{"wrong kty", PublicJWK{Kty: "OKP", Crv: "Ed25519", X: id.PubJwk.X, Y: id.PubJwk.Y}, "x", sig},
		{"off-curve point", PublicJWK{Kty: "EC", Crv: "P-256",
			X: strings.Repeat("A", 43), Y: strings.Repeat("A", 43)}, "x", sig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, Verify(tt.pub, tt.text, tt.sig))
			})
		})
	}
}

func TestDeriveChannelIDSymmetric(t *testing.T) {
	a := "HID-aaaa111122223333"
	b := "HID-bbbb444455556666"

	assert.Equal(t, DeriveChannelID(a, b), DeriveChannelID(b, a))
	assert.True(t, strings.HasPrefix(DeriveChannelID(a, b), "CH-"))
	assert.NotEqual(t, DeriveChannelID(a, b), DeriveChannelID(a, "HID-other"))
}

func TestExportImportRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	rec, err := id.Export(1234)
	require.NoError(t, err)

	back, err := Import(rec)
	require.NoError(t, err)

	assert.Equal(t, id.Hik, back.Hik)
	assert.Equal(t, id.HID(), back.HID())

	// Restored signing key still verifies against the original public key.
	sig, err := back.Sign("after restart")
	require.NoError(t, err)
	assert.True(t, Verify(id.PubJwk, "after restart", sig))
}

func TestAgreementSharedSecretSymmetric(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	bPub, err := ImportAgreementPublic(b.DhJwk)
	require.NoError(t, err)
	aPub, err := ImportAgreementPublic(a.DhJwk)
	require.NoError(t, err)

	s1, err := dh.SharedSecret(a.Agreement(), bPub)
	require.NoError(t, err)
	s2, err := dh.SharedSecret(b.Agreement(), aPub)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}
