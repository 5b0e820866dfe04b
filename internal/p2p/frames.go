package p2p

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"balancechain/internal/cryptographic/encryption"
	"balancechain/internal/identity"
)

// frame is the data-channel wire format. One shape covers every
// message type; t selects which fields are meaningful.
type frame struct {
	T         string              `json:"t"`
	Pub       *identity.PublicJWK `json:"pub,omitempty"`
	ChannelID string              `json:"channelId,omitempty"`
	SinceSeq  int64               `json:"sinceSeq,omitempty"`
	UpToSeq   int64               `json:"upToSeq,omitempty"`
	Items     []wireItem          `json:"items,omitempty"`
	E2EE      bool                `json:"e2ee,omitempty"`
}

// wireItem carries one outbox item: either plaintext (text set) or
// AEAD-sealed (iv/ct set, base64).
type wireItem struct {
	Seq   int64  `json:"seq"`
	MsgID string `json:"msgId"`
	Ts    int64  `json:"ts,omitempty"`
	Text  string `json:"text,omitempty"`
	IV    string `json:"iv,omitempty"`
	CT    string `json:"ct,omitempty"`
}

// BatchItem is a decoded message intent handed to the owner.
type BatchItem struct {
	Seq   int64  `json:"seq"`
	MsgID string `json:"msgId"`
	Text  string `json:"text"`
	Ts    int64  `json:"ts"`
}

func encryptItem(key []byte, it BatchItem) (wireItem, error) {
	plain, err := json.Marshal(it)
	if err != nil {
		return wireItem{}, fmt.Errorf("marshal item: %w", err)
	}
	iv, ct, err := encryption.AEADEncrypt(key, plain, nil)
	if err != nil {
		return wireItem{}, fmt.Errorf("seal item: %w", err)
	}
	return wireItem{
		Seq:   it.Seq,
		MsgID: it.MsgID,
		Ts:    it.Ts,
		IV:    base64.StdEncoding.EncodeToString(iv),
		CT:    base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func decryptItem(key []byte, it wireItem) (BatchItem, error) {
	iv, err := base64.StdEncoding.DecodeString(it.IV)
	if err != nil {
		return BatchItem{}, fmt.Errorf("decode iv: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(it.CT)
	if err != nil {
		return BatchItem{}, fmt.Errorf("decode ct: %w", err)
	}
	plain, err := encryption.AEADDecrypt(key, iv, ct, nil)
	if err != nil {
		return BatchItem{}, fmt.Errorf("open item: %w", err)
	}
	var out BatchItem
	if err := json.Unmarshal(plain, &out); err != nil {
		return BatchItem{}, fmt.Errorf("unmarshal item: %w", err)
	}
	return out, nil
}
