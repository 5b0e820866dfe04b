package chain

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balancechain/internal/identity"
	"balancechain/internal/outbox"
	"balancechain/internal/storage"
	"balancechain/internal/storage/memstore"
)

// scriptedNonces hands out a fixed sequence, repeating the last value.
func scriptedNonces(nonces ...string) func() string {
	i := 0
	return func() string {
		n := nonces[i]
		if i < len(nonces)-1 {
			i++
		}
		return n
	}
}

func fixedClock(start int64) func() int64 {
	t := start
	return func() int64 {
		t++
		return t
	}
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func TestAppendAdvancesChain(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)
	e := New(memstore.New())

	res := e.Append(ctx, id, TypeChatAppend, map[string]any{"text": "hello"})
	require.True(t, res.OK, "reason=%s err=%v", res.Reason, res.Err)
	assert.Equal(t, int64(1), res.Len)
	assert.NotEqual(t, GenesisHead, res.Head)

	res2 := e.Append(ctx, id, TypeChatAppend, map[string]any{"text": "again"})
	require.True(t, res2.OK)
	assert.Equal(t, int64(2), res2.Len)
	assert.NotEqual(t, res.Head, res2.Head)

	entries, err := e.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, GenesisHead, entries[0].PrevHash)
	assert.Equal(t, res.Head, headAfterEntry(t, entries[0]))
}

func headAfterEntry(t *testing.T, e Entry) string {
	t.Helper()
	body, err := e.BodyHash()
	require.NoError(t, err)
	return headAfter(e.PrevHash, body, e.Signature, e.Nonce, e.Seq)
}

func TestReplayRejected(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)
	e := New(memstore.New(), WithNonceSource(scriptedNonces("feedfacefeedface")))

	res := e.Append(ctx, id, TypeChatAppend, map[string]any{"text": "once"})
	require.True(t, res.OK)

	res2 := e.Append(ctx, id, TypeChatAppend, map[string]any{"text": "once"})
	assert.False(t, res2.OK)
	assert.Equal(t, ReasonReplay, res2.Reason)

	length, err := e.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length, "chain advances by exactly 1")
}

func TestHeadDeterminism(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)
	nonces := []string{"n1n1n1n1", "n2n2n2n2", "n3n3n3n3"}

	run := func(texts []string) string {
		e := New(memstore.New(),
			WithClock(fixedClock(1700000000000)),
			WithNonceSource(scriptedNonces(nonces...)))
		var head string
		for _, txt := range texts {
			res := e.Append(ctx, id, TypeChatAppend, map[string]any{"text": txt})
			require.True(t, res.OK)
			head = res.Head
		}
		return head
	}

	// ECDSA signatures are randomized, so bit-for-bit head equality
	// needs the signature fixed too; here we assert on the
	// deterministic body hashes instead and on divergence.
	e1 := New(memstore.New(),
		WithClock(fixedClock(1700000000000)),
		WithNonceSource(scriptedNonces(nonces...)))
	e2 := New(memstore.New(),
		WithClock(fixedClock(1700000000000)),
		WithNonceSource(scriptedNonces(nonces...)))
	for _, txt := range []string{"a", "b", "c"} {
		require.True(t, e1.Append(ctx, id, TypeChatAppend, map[string]any{"text": txt}).OK)
		require.True(t, e2.Append(ctx, id, TypeChatAppend, map[string]any{"text": txt}).OK)
	}
	ents1, err := e1.Entries(ctx)
	require.NoError(t, err)
	ents2, err := e2.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, ents1, 3)
	for i := range ents1 {
		b1, err := ents1[i].BodyHash()
		require.NoError(t, err)
		b2, err := ents2[i].BodyHash()
		require.NoError(t, err)
		assert.Equal(t, b1, b2, "entry %d body hash reproducible", i)
	}

	// Changing one historical payload changes the final head.
	h1 := run([]string{"a", "b", "c"})
	h2 := run([]string{"a", "X", "c"})
	assert.NotEqual(t, h1, h2)
}

func TestValidateAndAppendReplicatesLog(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)

	src := New(memstore.New())
	require.True(t, src.Append(ctx, id, TypeChatAppend, map[string]any{"text": "one"}).OK)
	require.True(t, src.Append(ctx, id, TypeChatAppend, map[string]any{"text": "two"}).OK)

	entries, err := src.Entries(ctx)
	require.NoError(t, err)

	dst := New(memstore.New())
	for i := range entries {
		res := dst.ValidateAndAppend(ctx, &entries[i])
		require.True(t, res.OK, "entry %d: %s", i, res.Reason)
	}

	srcHead, err := src.Head(ctx)
	require.NoError(t, err)
	dstHead, err := dst.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcHead, dstHead, "replicated chain converges on the same head")
}

func TestValidateAndAppendRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)

	src := New(memstore.New())
	require.True(t, src.Append(ctx, id, TypeChatAppend, map[string]any{"text": "one"}).OK)
	entries, err := src.Entries(ctx)
	require.NoError(t, err)

	bad := entries[0]
	bad.Payload = map[string]any{"text": "forged"}

	dst := New(memstore.New())
	res := dst.ValidateAndAppend(ctx, &bad)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonBadSignature, res.Reason)

	length, err := dst.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length, "no mutation on rejection")
}

func TestValidateAndAppendRejectsBadPrevHash(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)

	src := New(memstore.New())
	require.True(t, src.Append(ctx, id, TypeChatAppend, map[string]any{"text": "one"}).OK)
	require.True(t, src.Append(ctx, id, TypeChatAppend, map[string]any{"text": "two"}).OK)
	entries, err := src.Entries(ctx)
	require.NoError(t, err)

	// Admitting entry 2 without entry 1: head mismatch.
	dst := New(memstore.New())
	res := dst.ValidateAndAppend(ctx, &entries[1])
	assert.False(t, res.OK)
	assert.Equal(t, ReasonBadPrevHash, res.Reason)
}

func TestTamperedEntryDetected(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)

	e := New(memstore.New())
	require.True(t, e.Append(ctx, id, TypeChatAppend, map[string]any{"text": "original"}).OK)
	entries, err := e.Entries(ctx)
	require.NoError(t, err)

	stored := entries[0]
	origBody, err := stored.BodyHash()
	require.NoError(t, err)
	require.True(t, identity.Verify(stored.Author.PubJwk, origBody, stored.Signature))

	tampered := stored
	tampered.Payload = map[string]any{"text": "originaX"}
	newBody, err := tampered.BodyHash()
	require.NoError(t, err)

	assert.NotEqual(t, origBody, newBody, "any payload mutation changes the body hash")
	assert.False(t, identity.Verify(stored.Author.PubJwk, newBody, stored.Signature),
		"stored signature must not verify the mutated body")
}

func TestInterpreterProjections(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)
	e := New(memstore.New())

	peer := "HID-1111222233334444"
	ch := identity.DeriveChannelID(id.HID(), peer)

	require.True(t, e.Append(ctx, id, TypeContactAdd, map[string]any{"hid": peer, "nickname": "bob"}).OK)
	require.True(t, e.Append(ctx, id, TypeChannelOpen, map[string]any{"channelId": ch, "peerHid": peer}).OK)
	require.True(t, e.Append(ctx, id, TypeMsgIntent, map[string]any{
		"msgId": "m1", "channelId": ch, "toHid": peer, "seqInChannel": 1, "text": "hi"}).OK)
	require.True(t, e.Append(ctx, id, TypeMsgSent, map[string]any{
		"msgId": "m1", "channelId": ch, "toHid": peer, "text": "hi"}).OK)
	require.True(t, e.Append(ctx, id, TypeMsgAck, map[string]any{
		"channelId": ch, "peerHid": peer, "upToSeq": 1}).OK)

	contacts, err := e.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "bob", contacts[0].Nickname)

	chRow, err := e.Channel(ctx, ch)
	require.NoError(t, err)
	require.NotNil(t, chRow)
	assert.Equal(t, peer, chRow.PeerHid)
	assert.Equal(t, int64(1), chRow.LastAckedSeq)
	assert.Equal(t, int64(1), chRow.LastPulledSeq)

	msgs, err := e.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, DirOut, msgs[0].Dir)
	assert.Equal(t, "hi", msgs[0].Text)

	items, err := outbox.New(memStoreOf(e)).Items(ctx, ch, peer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, outbox.StatusPending, items[0].Status)
	assert.Equal(t, int64(1), items[0].SeqInChannel)
}

// memStoreOf exposes the engine's store for ledger assertions.
func memStoreOf(e *Engine) storage.Store { return e.store }

func TestUnknownTypeChainsWithoutProjection(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)
	e := New(memstore.New())

	res := e.Append(ctx, id, "future.extension", map[string]any{"blob": "x"})
	require.True(t, res.OK)
	assert.Equal(t, int64(1), res.Len)

	msgs, err := e.Messages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAppendSerializedUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)
	e := New(memstore.New())

	const n = 20
	done := make(chan Result, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			done <- e.Append(ctx, id, TypeChatAppend, map[string]any{"text": fmt.Sprintf("m%d", i)})
		}(i)
	}
	for i := 0; i < n; i++ {
		res := <-done
		require.True(t, res.OK, "append %d: %s", i, res.Reason)
	}

	length, err := e.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), length)

	entries, err := e.Entries(ctx)
	require.NoError(t, err)
	prev := GenesisHead
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Seq)
		assert.Equal(t, prev, entry.PrevHash, "entry %d links to the preceding head", i)
		prev = headAfterEntry(t, entry)
	}
}

func TestPresenceTTL(t *testing.T) {
	ctx := context.Background()
	e := New(memstore.New())

	require.NoError(t, e.UpsertPresence(ctx, Presence{
		Hid: "HID-x", Ts: 1000, ExpiresAt: 2000,
	}))

	p, err := e.Presence(ctx, "HID-x", 1500)
	require.NoError(t, err)
	require.NotNil(t, p)

	p, err = e.Presence(ctx, "HID-x", 2500)
	require.NoError(t, err)
	assert.Nil(t, p, "expired hints read as absent")

	p, err = e.Presence(ctx, "HID-unknown", 0)
	require.NoError(t, err)
	assert.Nil(t, p)
}
