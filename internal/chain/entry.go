package chain

import (
	"fmt"

	"balancechain/internal/codec"
	"balancechain/internal/identity"
)

// GenesisHead is the prev_hash sentinel of the first entry.
const GenesisHead = "GENESIS"

type Author struct {
	Hik    string             `json:"hik"`
	PubJwk identity.PublicJWK `json:"pubJwk"`
}

// Entry is one signed, hash-chained record (an STA). Immutable once
// written; created only through the append pipeline.
type Entry struct {
	V         int            `json:"v"`
	Hik       string         `json:"hik"`
	Seq       int64          `json:"seq"`
	Timestamp int64          `json:"timestamp"`
	Nonce     string         `json:"nonce"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash"`
	Author    Author         `json:"author"`
	Signature string         `json:"signature,omitempty"`
}

// BodyHash digests the canonical serialization of the entry without
// its signature. This is the string the author signs.
func (e *Entry) BodyHash() (string, error) {
	clean := *e
	clean.Signature = ""
	canon, err := codec.Canonicalize(clean)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	return codec.Digest(canon), nil
}

// headAfter rolls the chain head forward. The head is a function of
// the entire ordered, signed history: altering any past entry changes
// every subsequent head.
func headAfter(prevHead, bodyHash, sig, nonce string, seq int64) string {
	return codec.Digest(fmt.Sprintf("%s|%s|%s|%s|%d", prevHead, bodyHash, sig, nonce, seq))
}

// seqKey zero-pads so lexicographic store order equals numeric order.
func seqKey(seq int64) string {
	return fmt.Sprintf("%012d", seq)
}
