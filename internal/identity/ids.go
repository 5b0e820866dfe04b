package identity

import (
	"balancechain/internal/codec"
)

const idHexLen = 16

// ComputeHID derives the public identifier of a signing key. Pure and
// deterministic: any party holding the public key computes the same
// HID without coordination.
func ComputeHID(pub PublicJWK) string {
	canon := codec.MustCanonicalize(map[string]any{
		"kty": pub.Kty,
		"crv": pub.Crv,
		"x":   pub.X,
		"y":   pub.Y,
	})
	return "HID-" + codec.Digest(canon)[:idHexLen]
}

// DeriveChannelID names the conversation between two HIDs. Symmetric:
// both participants compute the same id independently.
func DeriveChannelID(hidA, hidB string) string {
	lo, hi := hidA, hidB
	if lo > hi {
		lo, hi = hi, lo
	}
	return "CH-" + codec.Digest(lo+"|"+hi)[:idHexLen]
}
