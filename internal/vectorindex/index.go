// Package vectorindex maintains per-user similarity indexes over embedded
// transaction text. Rebuilds are copy-on-write: readers keep the prior index
// until a fresh one is swapped in atomically.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dvloznov/txnquery/internal/core"
	"github.com/dvloznov/txnquery/internal/corpus"
	"github.com/dvloznov/txnquery/internal/gateway"
)

// DefaultTopK is the number of candidates returned when the caller passes
// k <= 0.
const DefaultTopK = 50

// Hit is one similarity match.
type Hit struct {
	TransactionID string
	Score         float64 // cosine similarity
}

// userIndex is an immutable index built from one corpus snapshot.
type userIndex struct {
	version uint64
	ids     []string
	vectors [][]float32
}

// Index is the registry of per-user indexes.
type Index struct {
	mu    sync.RWMutex
	users map[string]*atomic.Pointer[userIndex]

	embedder gateway.Embedder
	topK     int
}

// New creates an index registry backed by the given embedder.
func New(embedder gateway.Embedder, topK int) *Index {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Index{
		users:    make(map[string]*atomic.Pointer[userIndex]),
		embedder: embedder,
		topK:     topK,
	}
}

// Rebuild embeds every transaction in the snapshot and atomically swaps the
// user's index. Reads against the prior index proceed during the rebuild.
func (ix *Index) Rebuild(ctx context.Context, snap corpus.Snapshot) error {
	texts := make([]string, len(snap.Transactions))
	for i, tx := range snap.Transactions {
		texts[i] = CanonicalText(tx)
	}

	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return core.NewQueryError("vectorindex.Rebuild", snap.UserID, err)
	}
	if len(vectors) != len(texts) {
		return core.NewQueryError("vectorindex.Rebuild", snap.UserID,
			fmt.Errorf("%w: %d vectors for %d transactions", core.ErrUpstreamUnavailable, len(vectors), len(texts)))
	}

	ids := make([]string, len(snap.Transactions))
	for i, tx := range snap.Transactions {
		ids[i] = tx.ID
	}

	fresh := &userIndex{version: snap.Version, ids: ids, vectors: vectors}
	slot := ix.slotFor(snap.UserID)
	for {
		cur := slot.Load()
		if cur != nil && cur.version > snap.Version {
			// A racing rebuild already installed a newer corpus version.
			return core.NewQueryError("vectorindex.Rebuild", snap.UserID,
				fmt.Errorf("%w: index at version %d, rebuild from %d", core.ErrInvariant, cur.version, snap.Version))
		}
		if slot.CompareAndSwap(cur, fresh) {
			return nil
		}
	}
}

// Search embeds the query text and returns the top-k most similar transaction
// IDs with scores, plus the corpus version the index was built at.
func (ix *Index) Search(ctx context.Context, userID, query string, k int) ([]Hit, uint64, error) {
	ix.mu.RLock()
	slot, ok := ix.users[userID]
	ix.mu.RUnlock()
	if !ok {
		return nil, 0, core.NewQueryError("vectorindex.Search", userID, core.ErrNotFound)
	}
	idx := slot.Load()
	if idx == nil {
		return nil, 0, core.NewQueryError("vectorindex.Search", userID, core.ErrNotFound)
	}

	queryVecs, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, 0, core.NewQueryError("vectorindex.Search", userID, err)
	}
	if len(queryVecs) != 1 {
		return nil, 0, core.NewQueryError("vectorindex.Search", userID,
			fmt.Errorf("%w: no query embedding returned", core.ErrUpstreamUnavailable))
	}

	if k <= 0 {
		k = ix.topK
	}

	hits := make([]Hit, 0, len(idx.ids))
	for i, vec := range idx.vectors {
		hits = append(hits, Hit{TransactionID: idx.ids[i], Score: cosineSimilarity(queryVecs[0], vec)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, idx.version, nil
}

// Version returns the corpus version the user's current index was built at.
func (ix *Index) Version(userID string) (uint64, bool) {
	ix.mu.RLock()
	slot, ok := ix.users[userID]
	ix.mu.RUnlock()
	if !ok {
		return 0, false
	}
	idx := slot.Load()
	if idx == nil {
		return 0, false
	}
	return idx.version, true
}

// Size returns the number of indexed transactions for a user.
func (ix *Index) Size(userID string) int {
	ix.mu.RLock()
	slot, ok := ix.users[userID]
	ix.mu.RUnlock()
	if !ok {
		return 0
	}
	idx := slot.Load()
	if idx == nil {
		return 0
	}
	return len(idx.ids)
}

// Remove drops a user's index.
func (ix *Index) Remove(userID string) {
	ix.mu.Lock()
	delete(ix.users, userID)
	ix.mu.Unlock()
}

func (ix *Index) slotFor(userID string) *atomic.Pointer[userIndex] {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	slot, ok := ix.users[userID]
	if !ok {
		slot = &atomic.Pointer[userIndex]{}
		ix.users[userID] = slot
	}
	return slot
}

// CanonicalText renders a transaction into the deterministic text that gets
// embedded. Field order is fixed so re-embedding is reproducible.
func CanonicalText(tx corpus.Transaction) string {
	parts := []string{
		tx.Narration,
		string(tx.Direction),
		string(tx.Mode),
		tx.Amount.Abs().String(),
		tx.Date.Format("2006-01-02"),
	}
	if tx.Category != "" {
		parts = append(parts, tx.Category)
	}
	return strings.Join(parts, " | ")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
