package chain

import (
	"fmt"

	"balancechain/internal/outbox"
	"balancechain/internal/storage"
)

// Chain entry types the interpreter projects. Unknown types are
// chained but project nothing: the chain is the source of truth
// whether or not this build understands an entry.
const (
	TypeChatAppend   = "chat.append"
	TypeContactAdd   = "contact.add"
	TypeChannelOpen  = "channel.open"
	TypeMsgIntent    = "msg.intent"
	TypeMsgSent      = "msg.sent"
	TypeMsgDelivered = "msg.delivered"
	TypeMsgAck       = "msg.ack"
)

// project maps a committed entry to its derived-view mutations. It
// runs inside the append transaction; a returned error aborts the
// whole append.
func project(tx storage.Tx, e *Entry) error {
	switch e.Type {
	case TypeChatAppend:
		return putMessage(tx, Message{
			ID:   fmt.Sprintf("%d:%s", e.Seq, e.Nonce),
			Seq:  e.Seq,
			Ts:   e.Timestamp,
			Dir:  DirLocal,
			Text: pStr(e.Payload, "text"),
			Hik:  e.Hik,
		})

	case TypeMsgSent:
		return putMessage(tx, Message{
			ID:      msgID(e),
			Seq:     e.Seq,
			Ts:      e.Timestamp,
			Dir:     DirOut,
			Peer:    pStr(e.Payload, "toHid"),
			Channel: pStr(e.Payload, "channelId"),
			Text:    pStr(e.Payload, "text"),
			Hik:     e.Hik,
		})

	case TypeMsgDelivered:
		ts := pInt(e.Payload, "ts")
		if ts == 0 {
			ts = e.Timestamp
		}
		return putMessage(tx, Message{
			ID:      msgID(e),
			Seq:     e.Seq,
			Ts:      ts,
			Dir:     DirIn,
			Peer:    pStr(e.Payload, "fromHid"),
			Channel: pStr(e.Payload, "channelId"),
			Text:    pStr(e.Payload, "text"),
		})

	case TypeMsgIntent:
		item := outbox.Item{
			ID:           msgID(e),
			ChannelID:    pStr(e.Payload, "channelId"),
			ToHid:        pStr(e.Payload, "toHid"),
			SeqInChannel: pInt(e.Payload, "seqInChannel"),
			Text:         pStr(e.Payload, "text"),
			CreatedAt:    e.Timestamp,
			Status:       outbox.StatusPending,
		}
		return tx.Put(storage.StoreOutbox, item.ID, item)

	case TypeContactAdd:
		hid := pStr(e.Payload, "hid")
		if hid == "" {
			return nil
		}
		return tx.Put(storage.StoreContacts, hid, Contact{
			Hid:      hid,
			Nickname: pStr(e.Payload, "nickname"),
			AddedAt:  e.Timestamp,
		})

	case TypeChannelOpen:
		id := pStr(e.Payload, "channelId")
		if id == "" {
			return nil
		}
		var ch Channel
		if err := tx.Get(storage.StoreChannels, id, &ch); err == nil {
			return nil // already open
		}
		return tx.Put(storage.StoreChannels, id, Channel{
			ID:        id,
			PeerHid:   pStr(e.Payload, "peerHid"),
			CreatedAt: e.Timestamp,
		})

	case TypeMsgAck:
		id := pStr(e.Payload, "channelId")
		if id == "" {
			return nil
		}
		var ch Channel
		if err := tx.Get(storage.StoreChannels, id, &ch); err != nil {
			ch = Channel{ID: id, PeerHid: pStr(e.Payload, "peerHid"), CreatedAt: e.Timestamp}
		}
		upTo := pInt(e.Payload, "upToSeq")
		if upTo > ch.LastAckedSeq {
			ch.LastAckedSeq = upTo
		}
		if upTo > ch.LastPulledSeq {
			ch.LastPulledSeq = upTo
		}
		return tx.Put(storage.StoreChannels, id, ch)
	}

	// Unknown type: chained, no projection.
	return nil
}

func putMessage(tx storage.Tx, m Message) error {
	return tx.Put(storage.StoreMessages, m.ID, m)
}

func msgID(e *Entry) string {
	if id := pStr(e.Payload, "msgId"); id != "" {
		return id
	}
	return fmt.Sprintf("%d:%s", e.Seq, e.Nonce)
}

// Payload accessors. Payloads that round-trip through storage decode
// numbers as float64, so both forms must be accepted.

func pStr(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func pInt(p map[string]any, key string) int64 {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
