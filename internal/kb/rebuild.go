package kb

import (
	"context"
	"encoding/json"
	"sort"

	"balancechain/internal/chain"
	"balancechain/internal/storage"
)

// RebuildFromMessages reindexes every rendered message, oldest first.
// Safe to run over an existing index: upserts replace document rows
// and posting lists already contain each id at most once.
func (x *Index) RebuildFromMessages(ctx context.Context) error {
	var msgs []chain.Message
	err := x.store.View(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreMessages, func(key string, raw []byte) error {
			var m chain.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil // skip undecodable rows
			}
			msgs = append(msgs, m)
			return nil
		})
	})
	if err != nil {
		return err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })

	for _, m := range msgs {
		doc := Doc{ID: m.ID, PeerHid: m.Peer, Dir: m.Dir, Ts: m.Ts, Text: m.Text}
		if err := x.UpsertMessage(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}
