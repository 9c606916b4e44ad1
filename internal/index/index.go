// Package index maintains embeddings over heterogeneous source records and
// answers similarity queries, optionally grounding an LLM call in retrieved
// context. Indexing is incremental: a document is re-embedded only when its
// content hash changes.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ugcreach/engage/config"
	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/telemetry"
)

// Embedder produces fixed-dimension vectors for input texts.
// *gateway.Gateway satisfies this.
type Embedder interface {
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// Completer answers grounded questions. *gateway.Gateway satisfies this.
type Completer interface {
	Invoke(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// DocumentStore persists indexed documents so the index survives restarts.
// Implementations must make SaveDocument an idempotent natural-key upsert.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc IndexedDocument) error
	ListDocuments(ctx context.Context) ([]IndexedDocument, error)
}

// Index is a shared, read-mostly embedding index. Writes are serialized per
// (source_type, source_id) key; reads never block on writes to other keys.
type Index struct {
	cfg       config.IndexConfig
	embedder  Embedder
	completer Completer
	store     DocumentStore
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	mu   sync.RWMutex
	docs map[string]IndexedDocument

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex
}

// New builds an empty index. store may be nil for purely in-memory use.
func New(cfg config.IndexConfig, embedder Embedder, completer Completer, store DocumentStore, logger *log.Logger, tele *telemetry.Telemetry) *Index {
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	}
	return &Index{
		cfg:       cfg,
		embedder:  embedder,
		completer: completer,
		store:     store,
		logger:    logger,
		telemetry: tele,
		docs:      make(map[string]IndexedDocument),
		keys:      make(map[string]*sync.Mutex),
	}
}

// Load hydrates the in-memory index from the document store.
func (ix *Index) Load(ctx context.Context) error {
	if ix.store == nil {
		return nil
	}
	docs, err := ix.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("loading indexed documents: %w", err)
	}
	ix.mu.Lock()
	for _, d := range docs {
		ix.docs[d.Key()] = d
	}
	ix.mu.Unlock()
	ix.logger.Printf("loaded %d indexed documents", len(docs))
	return nil
}

// ContentHash returns the canonical hash used for change detection.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (ix *Index) lockKey(key string) *sync.Mutex {
	ix.keyMu.Lock()
	defer ix.keyMu.Unlock()
	m := ix.keys[key]
	if m == nil {
		m = &sync.Mutex{}
		ix.keys[key] = m
	}
	return m
}

// Upsert indexes one record. Calling it again with identical content is a
// no-op: the stored content hash is compared before any embedding happens.
func (ix *Index) Upsert(ctx context.Context, sourceType SourceType, sourceID, content string, snapshotAt time.Time) error {
	key := string(sourceType) + ":" + sourceID
	km := ix.lockKey(key)
	km.Lock()
	defer km.Unlock()

	hash := ContentHash(content)
	ix.mu.RLock()
	existing, ok := ix.docs[key]
	ix.mu.RUnlock()
	if ok && existing.ContentHash == hash {
		return nil
	}

	vectors, err := ix.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embedding %s: %w", key, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embedding %s: expected 1 vector, got %d", key, len(vectors))
	}
	if ix.telemetry != nil {
		ix.telemetry.RecordIndexOp("embed")
	}

	doc := IndexedDocument{
		SourceType:  sourceType,
		SourceID:    sourceID,
		Content:     content,
		ContentHash: hash,
		Vector:      vectors[0],
		SnapshotAt:  snapshotAt,
		IndexedAt:   time.Now().UTC(),
	}
	ix.mu.Lock()
	ix.docs[key] = doc
	ix.mu.Unlock()

	if ix.store != nil {
		if err := ix.store.SaveDocument(ctx, doc); err != nil {
			return fmt.Errorf("persisting %s: %w", key, err)
		}
	}
	if ix.telemetry != nil {
		ix.telemetry.RecordIndexOp("upsert")
	}
	return nil
}

// Search embeds the query and returns at most topK documents with cosine
// similarity >= threshold, ordered by similarity descending and snapshot
// recency as tie-break. An empty filter matches every source type.
func (ix *Index) Search(ctx context.Context, query string, topK int, threshold float64, filter ...SourceType) ([]RetrievalResult, error) {
	if topK <= 0 {
		topK = ix.cfg.DefaultTopK
	}
	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d", len(vectors))
	}
	queryVec := vectors[0]

	allowed := map[SourceType]bool{}
	for _, f := range filter {
		allowed[f] = true
	}

	ix.mu.RLock()
	candidates := make([]IndexedDocument, 0, len(ix.docs))
	for _, d := range ix.docs {
		if len(allowed) > 0 && !allowed[d.SourceType] {
			continue
		}
		candidates = append(candidates, d)
	}
	ix.mu.RUnlock()

	// Stale detection: a document whose stored hash no longer matches its
	// content snapshot gets a targeted re-embed before scoring.
	for i, d := range candidates {
		if d.ContentHash == ContentHash(d.Content) {
			continue
		}
		if err := ix.reembed(ctx, &candidates[i]); err != nil {
			return nil, &StaleError{SourceType: d.SourceType, SourceID: d.SourceID, Err: err}
		}
	}

	results := make([]RetrievalResult, 0, len(candidates))
	for _, d := range candidates {
		sim := cosine(queryVec, d.Vector)
		if sim < threshold {
			continue
		}
		results = append(results, RetrievalResult{Document: d, Similarity: sim, SnapshotAt: d.SnapshotAt})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].SnapshotAt.After(results[j].SnapshotAt)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	if ix.telemetry != nil {
		ix.telemetry.RecordIndexOp("search")
	}
	return results, nil
}

func (ix *Index) reembed(ctx context.Context, d *IndexedDocument) error {
	key := d.Key()
	km := ix.lockKey(key)
	km.Lock()
	defer km.Unlock()

	vectors, err := ix.embedder.Embed(ctx, []string{d.Content})
	if err != nil {
		return err
	}
	if len(vectors) != 1 {
		return fmt.Errorf("expected 1 vector, got %d", len(vectors))
	}
	d.Vector = vectors[0]
	d.ContentHash = ContentHash(d.Content)
	d.IndexedAt = time.Now().UTC()

	ix.mu.Lock()
	ix.docs[key] = *d
	ix.mu.Unlock()
	if ix.store != nil {
		if err := ix.store.SaveDocument(ctx, *d); err != nil {
			return err
		}
	}
	return nil
}

// Answer performs retrieval-augmented querying: search, assemble a context
// window within contextBudget characters (least-similar passages truncated
// first), then forward question plus context through the gateway.
func (ix *Index) Answer(ctx context.Context, question string, contextBudget int, filter ...SourceType) (string, error) {
	if ix.completer == nil {
		return "", fmt.Errorf("no completion backend attached")
	}
	if contextBudget <= 0 {
		contextBudget = ix.cfg.ContextBudget
	}
	results, err := ix.Search(ctx, question, ix.cfg.DefaultTopK, ix.cfg.DefaultThreshold, filter...)
	if err != nil {
		return "", err
	}

	passages := assembleContext(results, contextBudget)
	prompt := question
	if passages != "" {
		prompt = fmt.Sprintf("Answer the question using only the context below.\n\nContext:\n%s\n\nQuestion: %s", passages, question)
	}
	resp, err := ix.completer.Invoke(ctx, gateway.Request{Prompt: prompt})
	if err != nil {
		return "", err
	}
	if ix.telemetry != nil {
		ix.telemetry.RecordIndexOp("answer")
	}
	return resp.Content, nil
}

// UserInsights aggregates retrieval hits about one user across source types.
func (ix *Index) UserInsights(ctx context.Context, userID string) ([]RetrievalResult, error) {
	query := fmt.Sprintf("user %s interests preferences needs behaviour", userID)
	return ix.Search(ctx, query, 10, 0.5)
}

// Rebuild re-embeds every document regardless of its stored hash. Rebuilds
// are explicit so embedding cost stays bounded.
func (ix *Index) Rebuild(ctx context.Context) error {
	ix.mu.RLock()
	docs := make([]IndexedDocument, 0, len(ix.docs))
	for _, d := range ix.docs {
		docs = append(docs, d)
	}
	ix.mu.RUnlock()

	batch := ix.cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	for start := 0; start < len(docs); start += batch {
		end := start + batch
		if end > len(docs) {
			end = len(docs)
		}
		chunk := docs[start:end]
		texts := make([]string, len(chunk))
		for i, d := range chunk {
			texts[i] = d.Content
		}
		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("rebuild batch %d: %w", start/batch, err)
		}
		if len(vectors) != len(chunk) {
			return fmt.Errorf("rebuild batch %d: expected %d vectors, got %d", start/batch, len(chunk), len(vectors))
		}
		for i := range chunk {
			chunk[i].Vector = vectors[i]
			chunk[i].ContentHash = ContentHash(chunk[i].Content)
			chunk[i].IndexedAt = time.Now().UTC()
			key := chunk[i].Key()
			km := ix.lockKey(key)
			km.Lock()
			ix.mu.Lock()
			ix.docs[key] = chunk[i]
			ix.mu.Unlock()
			if ix.store != nil {
				if err := ix.store.SaveDocument(ctx, chunk[i]); err != nil {
					km.Unlock()
					return fmt.Errorf("rebuild persisting %s: %w", key, err)
				}
			}
			km.Unlock()
		}
	}
	if ix.telemetry != nil {
		ix.telemetry.RecordIndexOp("rebuild")
	}
	ix.logger.Printf("rebuilt %d documents", len(docs))
	return nil
}

// Size returns the number of indexed documents.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

func assembleContext(results []RetrievalResult, budget int) string {
	var b strings.Builder
	for _, r := range results {
		passage := strings.TrimSpace(r.Document.Content)
		if passage == "" {
			continue
		}
		entry := fmt.Sprintf("[%s:%s] %s\n", r.Document.SourceType, r.Document.SourceID, passage)
		if b.Len()+len(entry) > budget {
			// Results are ordered most-similar first, so everything past
			// this point contributes less and is dropped.
			remaining := budget - b.Len()
			if remaining > 80 {
				b.WriteString(entry[:remaining])
			}
			break
		}
		b.WriteString(entry)
	}
	return strings.TrimSpace(b.String())
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
