// store.go persists memory chunks in SQLite: a chunks table with cached
// embeddings, an FTS5 index for keyword relevance, and an embedding cache
// keyed by content hash so unchanged text never re-embeds.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// MinChunkLen drops fragments too short to carry meaning.
	MinChunkLen = 20
	// MaxChunkLen splits sections that exceed it.
	MaxChunkLen = 500

	// rrfK is the reciprocal-rank-fusion constant.
	rrfK = 60

	// Hybrid weighted-sum defaults.
	defaultVectorWeight  = 0.7
	defaultKeywordWeight = 0.3

	// Search-result cache bounds.
	resultCacheTTL  = 60 * time.Second
	resultCacheSize = 100

	// Graceful-degradation timeouts.
	embedTimeout  = 3 * time.Second
	searchTimeout = 5 * time.Second
)

// Chunk is the unit of indexing: a bounded fragment carved from one source
// file.
type Chunk struct {
	ID        string // source + index
	Source    string // file stem
	Text      string
	Hash      string // stable digest of Text
	Timestamp time.Time
	Embedding []float32
}

// SearchResult is one ranked hit.
type SearchResult struct {
	ID     string
	Source string
	Text   string
	Score  float64

	// Hybrid diagnostics: which rankers contributed.
	VectorScore  float64
	KeywordScore float64
	RRFScore     float64
}

// Filters narrows searches by chunk age and source whitelist.
type Filters struct {
	MaxAgeDays int
	Sources    []string
}

func (f Filters) allows(c *Chunk, now time.Time) bool {
	if f.MaxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -f.MaxAgeDays)
		if c.Timestamp.Before(cutoff) {
			return false
		}
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if s == c.Source {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// HybridOptions configures a hybrid search.
type HybridOptions struct {
	TopK     int
	MinScore float64
	Filters  Filters

	// UseRRF selects reciprocal-rank fusion; otherwise a weighted sum of
	// the normalized scores is used.
	UseRRF        bool
	VectorWeight  float64
	KeywordWeight float64
}

// Store is the SQLite-backed chunk index.
type Store struct {
	db     *sql.DB
	engine *Engine
	logger *slog.Logger

	// vecMu guards the in-memory vector cache (chunk id -> unit vector),
	// loaded lazily so semantic search never hits BLOB decoding per query.
	vecMu    sync.RWMutex
	vectors  map[string]*Chunk
	vecDirty bool

	// resMu guards the 60s search-result cache.
	resMu   sync.Mutex
	results map[string]cachedResult
}

type cachedResult struct {
	hits    []SearchResult
	expires time.Time
}

// Open creates or opens the store database at path.
func Open(path string, engine *Engine, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &Store{
		db:       db,
		engine:   engine,
		logger:   logger.With("component", "memory-store"),
		vectors:  make(map[string]*Chunk),
		vecDirty: true,
		results:  make(map[string]cachedResult),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id        TEXT PRIMARY KEY,
		source    TEXT NOT NULL,
		text      TEXT NOT NULL,
		hash      TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);
	CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(hash);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		text,
		content='chunks',
		content_rowid='rowid',
		tokenize='unicode61'
	);
	CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
	END;

	CREATE TABLE IF NOT EXISTS embedding_cache (
		text_hash TEXT NOT NULL,
		provider  TEXT NOT NULL,
		model     TEXT NOT NULL,
		dims      INTEGER NOT NULL,
		vector    BLOB NOT NULL,
		PRIMARY KEY (text_hash, provider, model)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating store schema: %w", err)
	}
	return nil
}

// ─── Chunking ───

// SplitChunks carves a markdown document into bounded chunks: split on
// "## " headers, split oversized sections at line boundaries, drop
// fragments under MinChunkLen.
func SplitChunks(source, text string, mtime time.Time) []Chunk {
	var sections []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "## ") && current.Len() > 0 {
			sections = append(sections, current.String())
			current.Reset()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if current.Len() > 0 {
		sections = append(sections, current.String())
	}

	var chunks []Chunk
	idx := 0
	add := func(fragment string) {
		fragment = strings.TrimSpace(fragment)
		if len(fragment) < MinChunkLen {
			return
		}
		chunks = append(chunks, Chunk{
			ID:        fmt.Sprintf("%s#%d", source, idx),
			Source:    source,
			Text:      fragment,
			Hash:      HashText(fragment),
			Timestamp: mtime,
		})
		idx++
	}

	for _, section := range sections {
		section = strings.TrimSpace(section)
		if len(section) <= MaxChunkLen {
			add(section)
			continue
		}
		// Oversized section: greedy line packing up to MaxChunkLen.
		var buf strings.Builder
		for _, line := range strings.Split(section, "\n") {
			if buf.Len() > 0 && buf.Len()+len(line)+1 > MaxChunkLen {
				add(buf.String())
				buf.Reset()
			}
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(line)
		}
		add(buf.String())
	}
	return chunks
}

// ─── Ingest ───

// UpsertChunks writes a chunk batch idempotently: unchanged hashes keep
// their row and cached embedding, new hashes are embedded (through the
// persistent cache) and inserted.
func (s *Store) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// Find which chunks still need an embedding.
	var pendingIdx []int
	var pendingTexts []string
	for i := range chunks {
		existing, err := s.existingHash(chunks[i].ID)
		if err == nil && existing == chunks[i].Hash {
			continue // identical row already present
		}
		if vec, ok := s.cachedEmbedding(chunks[i].Hash); ok {
			chunks[i].Embedding = vec
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pendingTexts = append(pendingTexts, chunks[i].Text)
	}

	if len(pendingTexts) > 0 {
		vecs, err := s.engine.EmbedBatch(ctx, pendingTexts)
		if err != nil {
			s.logger.Warn("batch embedding failed, storing chunks without vectors", "error", err)
		} else {
			for j, i := range pendingIdx {
				chunks[i].Embedding = vecs[j]
				s.storeEmbedding(chunks[i].Hash, vecs[j])
			}
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, source, text, hash, timestamp, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			hash = excluded.hash,
			timestamp = excluded.timestamp,
			embedding = excluded.embedding
		WHERE chunks.hash != excluded.hash`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for i := range chunks {
		c := &chunks[i]
		if _, err := stmt.Exec(c.ID, c.Source, c.Text, c.Hash, c.Timestamp.Unix(), encodeVector(c.Embedding)); err != nil {
			return fmt.Errorf("upserting chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}

	s.invalidateCaches()
	return nil
}

// DeleteBySource removes all chunks of one source.
func (s *Store) DeleteBySource(source string) error {
	if _, err := s.db.Exec(`DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return fmt.Errorf("deleting source %s: %w", source, err)
	}
	s.invalidateCaches()
	return nil
}

// IndexFile ingests one markdown file, replacing the source's chunks when
// the content changed.
func (s *Store) IndexFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	source := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	chunks := SplitChunks(source, string(data), info.ModTime())
	if err := s.UpsertChunks(ctx, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// IndexDir ingests every markdown file in a directory.
func (s *Store) IndexDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		n, err := s.IndexFile(ctx, filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Warn("failed to index file", "file", e.Name(), "error", err)
			continue
		}
		total += n
	}
	s.logger.Info("memory dir indexed", "dir", dir, "chunks", total)
	return total, nil
}

// CountChunks returns the number of indexed chunks.
func (s *Store) CountChunks() int {
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n
}

func (s *Store) existingHash(id string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM chunks WHERE id = ?`, id).Scan(&hash)
	return hash, err
}

// ─── Embedding cache ───

func (s *Store) cachedEmbedding(textHash string) ([]float32, bool) {
	p := s.engine.Provider()
	var blob []byte
	err := s.db.QueryRow(
		`SELECT vector FROM embedding_cache WHERE text_hash = ? AND provider = ? AND model = ?`,
		textHash, p.Name(), p.Model(),
	).Scan(&blob)
	if err != nil {
		return nil, false
	}
	return decodeVector(blob), true
}

func (s *Store) storeEmbedding(textHash string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	p := s.engine.Provider()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO embedding_cache (text_hash, provider, model, dims, vector) VALUES (?, ?, ?, ?, ?)`,
		textHash, p.Name(), p.Model(), len(vec), encodeVector(vec),
	)
	if err != nil {
		s.logger.Warn("failed to cache embedding", "error", err)
	}
}

// ─── Semantic search ───

// loadVectors fills the in-memory vector cache from the chunks table,
// generating missing embeddings in batch and writing them through.
func (s *Store) loadVectors(ctx context.Context) map[string]*Chunk {
	s.vecMu.RLock()
	if !s.vecDirty {
		cache := s.vectors
		s.vecMu.RUnlock()
		return cache
	}
	s.vecMu.RUnlock()

	rows, err := s.db.Query(`SELECT id, source, text, hash, timestamp, embedding FROM chunks`)
	if err != nil {
		s.logger.Warn("loading vectors failed", "error", err)
		return nil
	}
	defer rows.Close()

	cache := make(map[string]*Chunk)
	var missing []*Chunk
	for rows.Next() {
		var c Chunk
		var ts int64
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Source, &c.Text, &c.Hash, &ts, &blob); err != nil {
			continue
		}
		c.Timestamp = time.Unix(ts, 0)
		c.Embedding = decodeVector(blob)
		cache[c.ID] = &c
		if len(c.Embedding) == 0 {
			missing = append(missing, &c)
		}
	}

	// Backfill embeddings that were skipped at ingest (e.g. provider down).
	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, c := range missing {
			texts[i] = c.Text
		}
		if vecs, err := s.engine.EmbedBatch(ctx, texts); err == nil {
			for i, c := range missing {
				c.Embedding = vecs[i]
				s.storeEmbedding(c.Hash, vecs[i])
				s.db.Exec(`UPDATE chunks SET embedding = ? WHERE id = ?`, encodeVector(vecs[i]), c.ID)
			}
		}
	}

	s.vecMu.Lock()
	s.vectors = cache
	s.vecDirty = false
	s.vecMu.Unlock()
	return cache
}

// SearchVector ranks chunks by cosine similarity against a query vector.
func (s *Store) SearchVector(ctx context.Context, queryVec []float32, topK int, minScore float64, filters Filters) []SearchResult {
	if topK <= 0 {
		topK = 5
	}

	if hits, ok := s.resultCacheGet(vectorCacheKey(queryVec, topK, minScore, filters)); ok {
		return hits
	}

	now := time.Now()
	var hits []SearchResult
	for _, c := range s.loadVectors(ctx) {
		if len(c.Embedding) == 0 || !filters.allows(c, now) {
			continue
		}
		score := Cosine(queryVec, c.Embedding, true)
		if score < minScore {
			continue
		}
		hits = append(hits, SearchResult{
			ID: c.ID, Source: c.Source, Text: c.Text,
			Score: score, VectorScore: score,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	s.resultCachePut(vectorCacheKey(queryVec, topK, minScore, filters), hits)
	return hits
}

// vectorCacheKey derives the result-cache key from the first ten rounded
// embedding components plus the search parameters.
func vectorCacheKey(vec []float32, topK int, minScore float64, filters Filters) string {
	var b strings.Builder
	n := len(vec)
	if n > 10 {
		n = 10
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%.3f,", vec[i])
	}
	fmt.Fprintf(&b, "k=%d,ms=%.2f,age=%d,src=%s", topK, minScore, filters.MaxAgeDays, strings.Join(filters.Sources, "|"))
	return b.String()
}

// ─── Keyword search ───

// tokenizeWords keeps unicode letter/digit runs (Hangul included) and
// drops everything else.
func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SearchKeyword ranks chunks by BM25 relevance over the FTS5 index. BM25
// in SQLite is lower-is-better; results carry the raw rank in KeywordScore
// and a rank-normalized Score.
func (s *Store) SearchKeyword(ctx context.Context, query string, topK int, filters Filters) []SearchResult {
	if topK <= 0 {
		topK = 5
	}
	tokens := tokenizeWords(query)
	if len(tokens) == 0 {
		return nil
	}
	// Quote each token so FTS5 operators in user text cannot break the query.
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, ``) + `"`
	}
	match := strings.Join(quoted, " OR ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.source, c.text, c.timestamp, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, topK*4)
	if err != nil {
		s.logger.Debug("fts query failed, falling back to LIKE", "error", err)
		return s.searchLike(ctx, tokens, topK, filters)
	}
	defer rows.Close()

	now := time.Now()
	var hits []SearchResult
	for rows.Next() {
		var r SearchResult
		var ts int64
		var rank float64
		if err := rows.Scan(&r.ID, &r.Source, &r.Text, &ts, &rank); err != nil {
			continue
		}
		c := Chunk{Source: r.Source, Timestamp: time.Unix(ts, 0)}
		if !filters.allows(&c, now) {
			continue
		}
		r.KeywordScore = rank
		hits = append(hits, r)
		if len(hits) >= topK {
			break
		}
	}
	normalizeKeywordScores(hits)
	return hits
}

// searchLike is the degraded path when FTS5 is unavailable.
func (s *Store) searchLike(ctx context.Context, tokens []string, topK int, filters Filters) []SearchResult {
	conds := make([]string, len(tokens))
	args := make([]any, len(tokens))
	for i, tok := range tokens {
		conds[i] = "text LIKE ?"
		args[i] = "%" + tok + "%"
	}
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, text, timestamp FROM chunks WHERE `+strings.Join(conds, " OR ")+` LIMIT ?`, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	now := time.Now()
	var hits []SearchResult
	for rows.Next() {
		var r SearchResult
		var ts int64
		if err := rows.Scan(&r.ID, &r.Source, &r.Text, &ts); err != nil {
			continue
		}
		c := Chunk{Source: r.Source, Timestamp: time.Unix(ts, 0)}
		if !filters.allows(&c, now) {
			continue
		}
		r.Score = 0.5
		hits = append(hits, r)
	}
	return hits
}

// normalizeKeywordScores maps BM25 ranks (lower = better) into [0,1] via
// (max - s) / (max - min).
func normalizeKeywordScores(hits []SearchResult) {
	if len(hits) == 0 {
		return
	}
	minR, maxR := hits[0].KeywordScore, hits[0].KeywordScore
	for _, h := range hits {
		minR = math.Min(minR, h.KeywordScore)
		maxR = math.Max(maxR, h.KeywordScore)
	}
	for i := range hits {
		if maxR == minR {
			hits[i].Score = 1
			continue
		}
		hits[i].Score = (maxR - hits[i].KeywordScore) / (maxR - minR)
	}
}

// ─── Hybrid search ───

// HybridSearch runs semantic and keyword search in parallel under bounded
// timeouts and fuses the rankings. Either side failing or timing out
// degrades to the other; both failing yields an empty result.
func (s *Store) HybridSearch(ctx context.Context, query string, opts HybridOptions) []SearchResult {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = defaultVectorWeight
		opts.KeywordWeight = defaultKeywordWeight
	}
	fetchK := opts.TopK * 2

	var vecHits, kwHits []SearchResult
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
		queryVec, err := s.engine.Embed(embedCtx, query, true)
		cancel()
		if err != nil {
			s.logger.Debug("query embedding failed, skipping vector side", "error", err)
			return
		}
		searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		defer cancel()
		vecHits = s.SearchVector(searchCtx, queryVec, fetchK, opts.MinScore, opts.Filters)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		defer cancel()
		kwHits = s.SearchKeyword(searchCtx, query, fetchK, opts.Filters)
	}()

	wg.Wait()

	var fused []SearchResult
	if opts.UseRRF {
		fused = fuseRRF(vecHits, kwHits)
	} else {
		fused = fuseWeighted(vecHits, kwHits, opts.VectorWeight, opts.KeywordWeight)
	}
	if len(fused) > opts.TopK {
		fused = fused[:opts.TopK]
	}
	return fused
}

// dedupeKey identifies a result across rankers by source plus text prefix.
func dedupeKey(r SearchResult) string {
	text := r.Text
	if len(text) > 100 {
		text = text[:100]
	}
	return r.Source + "\x00" + text
}

// fuseRRF merges the two rankings by reciprocal rank fusion:
// score(x) = Σ 1/(k + rank_i(x)), k = 60, ranks starting at 1. Exact RRF
// ties are broken by the better keyword rank — keyword hits are exact
// matches and deserve the edge over a merely-similar vector hit.
func fuseRRF(vecHits, kwHits []SearchResult) []SearchResult {
	type fusedEntry struct {
		result SearchResult
		kwRank int
	}
	merged := make(map[string]*fusedEntry)
	var order []string

	accumulate := func(list []SearchResult, keyword bool) {
		for rank, hit := range list {
			key := dedupeKey(hit)
			entry, ok := merged[key]
			if !ok {
				entry = &fusedEntry{result: hit, kwRank: 1 << 20}
				entry.result.Score = 0
				merged[key] = entry
				order = append(order, key)
			}
			entry.result.RRFScore += 1.0 / float64(rrfK+rank+1)
			if keyword {
				entry.kwRank = rank + 1
				entry.result.KeywordScore = hit.KeywordScore
			} else if hit.VectorScore != 0 {
				entry.result.VectorScore = hit.VectorScore
			}
		}
	}
	accumulate(vecHits, false)
	accumulate(kwHits, true)

	entries := make([]*fusedEntry, 0, len(merged))
	for _, key := range order {
		merged[key].result.Score = merged[key].result.RRFScore
		entries = append(entries, merged[key])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].result.Score != entries[j].result.Score {
			return entries[i].result.Score > entries[j].result.Score
		}
		return entries[i].kwRank < entries[j].kwRank
	})

	out := make([]SearchResult, len(entries))
	for i, e := range entries {
		out[i] = e.result
	}
	return out
}

// fuseWeighted combines the vector score (already in [0,1]) with the
// normalized keyword score by a weighted sum.
func fuseWeighted(vecHits, kwHits []SearchResult, vw, kw float64) []SearchResult {
	merged := make(map[string]*SearchResult)
	var order []string

	for _, hit := range vecHits {
		key := dedupeKey(hit)
		h := hit
		h.Score = hit.VectorScore * vw
		merged[key] = &h
		order = append(order, key)
	}
	for _, hit := range kwHits {
		key := dedupeKey(hit)
		if entry, ok := merged[key]; ok {
			entry.Score += hit.Score * kw
			entry.KeywordScore = hit.KeywordScore
			continue
		}
		h := hit
		h.Score = hit.Score * kw
		merged[key] = &h
		order = append(order, key)
	}

	out := make([]SearchResult, 0, len(merged))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ─── Result cache ───

func (s *Store) resultCacheGet(key string) ([]SearchResult, bool) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	entry, ok := s.results[key]
	if !ok || time.Now().After(entry.expires) {
		delete(s.results, key)
		return nil, false
	}
	return entry.hits, true
}

func (s *Store) resultCachePut(key string, hits []SearchResult) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if len(s.results) >= resultCacheSize {
		// Evict expired entries first, then arbitrary ones.
		now := time.Now()
		for k, v := range s.results {
			if now.After(v.expires) {
				delete(s.results, k)
			}
		}
		for k := range s.results {
			if len(s.results) < resultCacheSize {
				break
			}
			delete(s.results, k)
		}
	}
	s.results[key] = cachedResult{hits: hits, expires: time.Now().Add(resultCacheTTL)}
}

func (s *Store) invalidateCaches() {
	s.vecMu.Lock()
	s.vecDirty = true
	s.vecMu.Unlock()
	s.resMu.Lock()
	s.results = make(map[string]cachedResult)
	s.resMu.Unlock()
}

// ─── Vector encoding ───

// encodeVector packs a float32 slice little-endian for BLOB storage.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
