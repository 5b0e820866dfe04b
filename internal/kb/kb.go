// Package kb maintains an offline search index over rendered
// messages: an inverted term index plus an entity index (emails,
// phones, money amounts, dates) for fast local lookup without any
// server round trip.
package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"balancechain/internal/storage"
)

const (
	maxTextTokens  = 2000
	maxDocTokens   = 400
	maxIndexTokens = 200
	maxTermDocs    = 250
	maxEntityPairs = 40
	maxQueryTokens = 12
	maxQueryPairs  = 6
	maxCandidates  = 400
	fallbackRecent = 200
	defaultLimit   = 20
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "for": {}, "with": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"this": {}, "that": {}, "it": {}, "as": {}, "at": {}, "by": {}, "from": {},
}

var (
	zeroWidthRe = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}]`)
	charsetRe   = regexp.MustCompile(`[^a-z0-9\x{0600}-\x{06FF}\s.\-_@#$%/:]`)
	spaceRe     = regexp.MustCompile(`\s+`)
	emailRe     = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
	phoneRe     = regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`)
	moneyRe     = regexp.MustCompile(`(?i)(?:\b(?:qar|usd|eur|gbp|sar|aed)\b\s*\d[\d,.]*)|(?:\d[\d,.]*\s*\b(?:qar|usd|eur|gbp|sar|aed)\b)`)
	dateRe      = regexp.MustCompile(`\b(?:\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}|\d{4}[/\-]\d{1,2}[/\-]\d{1,2})\b`)
)

type (
	// Doc is one indexed message.
	Doc struct {
		ID       string   `json:"id"`
		PeerHid  string   `json:"peerHid,omitempty"`
		Dir      string   `json:"dir,omitempty"`
		Ts       int64    `json:"ts"`
		Text     string   `json:"text"`
		Norm     string   `json:"norm"`
		Tokens   []string `json:"tokens"`
		Entities Entities `json:"entities"`
	}

	Entities struct {
		Phones []string `json:"phones"`
		Emails []string `json:"emails"`
		Money  []string `json:"money"`
		Dates  []string `json:"dates"`
	}

	Result struct {
		Doc
		Score float64 `json:"score"`
	}

	idList struct {
		IDs []string `json:"ids"`
	}

	Index struct {
		store storage.Store
		now   func() int64
	}

	Option func(*Index)
)

// WithClock overrides the recency-scoring clock, millisecond epoch.
func WithClock(fn func() int64) Option {
	return func(x *Index) { x.now = fn }
}

func New(store storage.Store, opts ...Option) *Index {
	x := &Index{
		store: store,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// NormalizeText lowercases, strips zero-width characters, reduces the
// charset to latin/arabic word characters and a few symbols, and
// collapses whitespace.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	s = zeroWidthRe.ReplaceAllString(s, "")
	s = charsetRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Tokenize splits normalized text into index terms: stopwords and
// single characters out, hard cap at maxTextTokens.
func Tokenize(s string) []string {
	t := NormalizeText(s)
	if t == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(t, " ") {
		if len(p) < 2 {
			continue
		}
		if _, stop := stopwords[p]; stop {
			continue
		}
		out = append(out, p)
		if len(out) == maxTextTokens {
			break
		}
	}
	return out
}

// ExtractEntities pulls emails, phone numbers, money amounts and dates
// out of raw text, at most 20 of each.
func ExtractEntities(raw string) Entities {
	cap20 := func(m []string) []string {
		if len(m) > 20 {
			m = m[:20]
		}
		if m == nil {
			m = []string{}
		}
		return m
	}
	return Entities{
		Emails: cap20(emailRe.FindAllString(raw, -1)),
		Phones: cap20(phoneRe.FindAllString(raw, -1)),
		Money:  cap20(moneyRe.FindAllString(raw, -1)),
		Dates:  cap20(dateRe.FindAllString(raw, -1)),
	}
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func capSlice(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// entityPairs converts extracted entities to index keys
// ("type:value"): emails lowercased, phones stripped of whitespace,
// money normalized, dates verbatim.
func entityPairs(ent Entities) []string {
	var pairs []string
	for _, e := range ent.Emails {
		pairs = append(pairs, "email:"+strings.ToLower(e))
	}
	for _, e := range ent.Phones {
		pairs = append(pairs, "phone:"+spaceRe.ReplaceAllString(e, ""))
	}
	for _, e := range ent.Money {
		pairs = append(pairs, "money:"+NormalizeText(e))
	}
	for _, e := range ent.Dates {
		pairs = append(pairs, "date:"+e)
	}
	return pairs
}

// UpsertMessage indexes one message: the document row, the inverted
// term index and the entity index, in one transaction.
func (x *Index) UpsertMessage(ctx context.Context, doc Doc) error {
	text := doc.Text
	doc.Norm = NormalizeText(text)
	tokens := Tokenize(text)
	doc.Tokens = capSlice(uniq(tokens), maxDocTokens)
	doc.Entities = ExtractEntities(text)
	if doc.Ts == 0 {
		doc.Ts = x.now()
	}

	return x.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Put(storage.StoreKBDocs, doc.ID, doc); err != nil {
			return fmt.Errorf("put doc: %w", err)
		}
		for _, term := range capSlice(uniq(tokens), maxIndexTokens) {
			if err := appendID(tx, storage.StoreKBTerms, term, doc.ID); err != nil {
				return err
			}
		}
		for _, key := range capSlice(entityPairs(doc.Entities), maxEntityPairs) {
			if err := appendID(tx, storage.StoreKBEntities, key, doc.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// appendID adds docID to the posting list under key, keeping only the
// most recent maxTermDocs entries.
func appendID(tx storage.Tx, store, key, docID string) error {
	var row idList
	if err := tx.Get(store, key, &row); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("get %s/%s: %w", store, key, err)
	}
	for _, id := range row.IDs {
		if id == docID {
			return nil
		}
	}
	row.IDs = append(row.IDs, docID)
	if len(row.IDs) > maxTermDocs {
		row.IDs = row.IDs[len(row.IDs)-maxTermDocs:]
	}
	return tx.Put(store, key, row)
}

type SearchOptions struct {
	PeerHid string
	Limit   int
}

// Search scores candidate documents against the query. Candidates come
// from the entity and term indexes; when neither matches, the most
// recent documents are scanned instead. Term hits score 2, email hits
// 6, date and money hits 5, with up to 3 extra for documents from the
// last two weeks.
func (x *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	tokens := capSlice(Tokenize(q), maxQueryTokens)
	ent := ExtractEntities(q)
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var results []Result
	err := x.store.View(ctx, func(tx storage.Tx) error {
		candidates := make(map[string]struct{})
		addIDs := func(store, key string) {
			var row idList
			if err := tx.Get(store, key, &row); err != nil {
				return
			}
			for _, id := range row.IDs {
				candidates[id] = struct{}{}
			}
		}
		for _, key := range capSlice(entityPairs(ent), maxQueryPairs) {
			addIDs(storage.StoreKBEntities, key)
		}
		for _, t := range tokens {
			addIDs(storage.StoreKBTerms, t)
		}

		ids := make([]string, 0, len(candidates))
		for id := range candidates {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		if len(ids) == 0 {
			recent, err := x.recentDocs(tx, fallbackRecent)
			if err != nil {
				return err
			}
			ids = recent
		}

		nowMs := x.now()
		for _, id := range capSlice(ids, maxCandidates) {
			var d Doc
			if err := tx.Get(storage.StoreKBDocs, id, &d); err != nil {
				continue
			}
			if opts.PeerHid != "" && d.PeerHid != opts.PeerHid {
				continue
			}
			score := scoreDoc(d, tokens, ent)
			ageDays := float64(nowMs-d.Ts) / float64(14*24*time.Hour/time.Millisecond)
			if recency := 3 - ageDays; recency > 0 {
				score += recency
			}
			results = append(results, Result{Doc: d, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Ts != results[j].Ts {
			return results[i].Ts > results[j].Ts
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func scoreDoc(d Doc, tokens []string, ent Entities) float64 {
	var score float64
	for _, t := range tokens {
		if strings.Contains(d.Norm, t) {
			score += 2
		}
	}
	for _, e := range ent.Emails {
		if strings.Contains(d.Norm, strings.ToLower(e)) {
			score += 6
		}
	}
	for _, e := range ent.Dates {
		if strings.Contains(d.Norm, e) {
			score += 5
		}
	}
	for _, e := range ent.Money {
		if strings.Contains(d.Norm, NormalizeText(e)) {
			score += 5
		}
	}
	return score
}

// recentDocs returns the ids of the n newest documents.
func (x *Index) recentDocs(tx storage.Tx, n int) ([]string, error) {
	type tsID struct {
		id string
		ts int64
	}
	var all []tsID
	err := tx.GetAll(storage.StoreKBDocs, func(key string, raw []byte) error {
		var d Doc
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil // skip undecodable rows
		}
		all = append(all, tsID{id: d.ID, ts: d.Ts})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ts != all[j].ts {
			return all[i].ts > all[j].ts
		}
		return all[i].id < all[j].id
	})
	ids := make([]string, 0, n)
	for _, r := range all {
		ids = append(ids, r.id)
		if len(ids) == n {
			break
		}
	}
	return ids, nil
}
