// Package memory implements the assistant's retrieval subsystem: embedding
// generation with caching, chunked ingestion of workspace markdown, and
// hybrid semantic + keyword search over a SQLite store.
package memory

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultDimensions is the embedding vector size when the provider does not
// dictate one.
const DefaultDimensions = 384

// maxEmbedInputChars bounds the text sent to the provider per input.
const maxEmbedInputChars = 512

// queryCacheSize bounds the query-embedding LRU.
const queryCacheSize = 100

// batchConcurrency bounds parallel provider calls in EmbedBatch.
const batchConcurrency = 5

// EmbeddingProvider produces raw (not necessarily normalized) vectors.
type EmbeddingProvider interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector size this provider emits.
	Dimensions() int

	// Name identifies the provider for cache keying and logs.
	Name() string

	// Model is the model identifier for cache keying.
	Model() string
}

// ─── OpenAI-compatible HTTP provider ───

// OpenAIEmbedder calls any OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewOpenAIEmbedder creates an embedder against an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimensions int) *OpenAIEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }
func (e *OpenAIEmbedder) Name() string    { return "openai" }
func (e *OpenAIEmbedder) Model() string   { return e.model }

// Embed calls the /embeddings endpoint for a batch of inputs.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]any{
		"model":      e.model,
		"input":      texts,
		"dimensions": e.dimensions,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed API status %d: %s", resp.StatusCode, truncateStr(string(body), 200))
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed API returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed API returned out-of-range index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// ─── Hash provider (offline fallback) ───

// HashEmbedder is a deterministic local provider: token-hash bag-of-words
// projected into a fixed-dimension space. No semantic power, but it keeps
// hybrid search functional (keyword side carries relevance) when no
// embedding API is configured, and it is what tests run against.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates the offline fallback provider.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Dimensions() int { return e.dimensions }
func (e *HashEmbedder) Name() string    { return "hash" }
func (e *HashEmbedder) Model() string   { return "fnv-bow" }

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.dimensions)
		for _, tok := range tokenizeWords(text) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			vec[h.Sum32()%uint32(e.dimensions)]++
		}
		out[i] = vec
	}
	return out, nil
}

// NewProviderFromEnv picks a provider from the environment: an
// OpenAI-compatible endpoint when OPENAI_API_KEY (or EMBEDDINGS_BASE_URL)
// is set, the offline hash provider otherwise.
func NewProviderFromEnv(logger *slog.Logger) EmbeddingProvider {
	baseURL := os.Getenv("EMBEDDINGS_BASE_URL")
	apiKey := os.Getenv("EMBEDDINGS_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey != "" {
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		logger.Info("using OpenAI-compatible embeddings", "base_url", baseURL)
		return NewOpenAIEmbedder(baseURL, apiKey, os.Getenv("EMBEDDINGS_MODEL"), DefaultDimensions)
	}
	logger.Info("no embeddings API configured, using offline hash embedder")
	return NewHashEmbedder(DefaultDimensions)
}

// ─── Engine ───

// Engine wraps a provider with input normalization, unit-norm output, a
// query LRU cache, bounded batch concurrency, and one-time preload.
type Engine struct {
	provider EmbeddingProvider
	logger   *slog.Logger

	mu       sync.Mutex
	lru      *list.List               // front = most recent
	lruIndex map[string]*list.Element // text -> element

	preloadOnce sync.Once
	preloadErr  error
}

type lruEntry struct {
	key string
	vec []float32
}

// NewEngine creates an embedding engine over the given provider.
func NewEngine(provider EmbeddingProvider, logger *slog.Logger) *Engine {
	return &Engine{
		provider: provider,
		logger:   logger.With("component", "embeddings"),
		lru:      list.New(),
		lruIndex: make(map[string]*list.Element),
	}
}

// Dimensions returns the vector size.
func (e *Engine) Dimensions() int { return e.provider.Dimensions() }

// Provider exposes the underlying provider (for cache keying).
func (e *Engine) Provider() EmbeddingProvider { return e.provider }

// Preload triggers the provider's first (expensive) call once. Concurrent
// callers share the same attempt; later calls are no-ops.
func (e *Engine) Preload(ctx context.Context) error {
	e.preloadOnce.Do(func() {
		start := time.Now()
		_, err := e.provider.Embed(ctx, []string{"warmup"})
		if err != nil {
			e.preloadErr = err
			e.logger.Warn("embedding preload failed", "error", err)
			return
		}
		e.logger.Info("embedding provider ready", "provider", e.provider.Name(), "duration_ms", time.Since(start).Milliseconds())
	})
	return e.preloadErr
}

// normalizeInput applies the input contract: trim, truncate to 512 chars.
// Truncation backs up to a rune boundary so providers never receive a
// split multi-byte sequence.
func normalizeInput(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > maxEmbedInputChars {
		cut := maxEmbedInputChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// Embed returns the unit-normalized vector for one text. Empty input maps
// to the zero vector. useCache consults and feeds the query LRU.
func (e *Engine) Embed(ctx context.Context, text string, useCache bool) ([]float32, error) {
	text = normalizeInput(text)
	if text == "" {
		return make([]float32, e.Dimensions()), nil
	}

	if useCache {
		if vec, ok := e.cacheGet(text); ok {
			return vec, nil
		}
	}

	vecs, err := e.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	vec := Normalize(vecs[0])

	if useCache {
		e.cachePut(text, vec)
	}
	return vec, nil
}

// EmbedBatch embeds many texts with bounded concurrency. The query cache is
// never consulted: batch inputs are chunks, not queries.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	sem := make(chan struct{}, batchConcurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, text := range texts {
		text = normalizeInput(text)
		if text == "" {
			out[i] = make([]float32, e.Dimensions())
			continue
		}
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			vecs, err := e.provider.Embed(ctx, []string{text})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			out[i] = Normalize(vecs[0])
		}(i, text)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (e *Engine) cacheGet(key string) ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.lruIndex[key]
	if !ok {
		return nil, false
	}
	e.lru.MoveToFront(el)
	return el.Value.(*lruEntry).vec, true
}

func (e *Engine) cachePut(key string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.lruIndex[key]; ok {
		e.lru.MoveToFront(el)
		el.Value.(*lruEntry).vec = vec
		return
	}
	e.lruIndex[key] = e.lru.PushFront(&lruEntry{key: key, vec: vec})
	for e.lru.Len() > queryCacheSize {
		oldest := e.lru.Back()
		e.lru.Remove(oldest)
		delete(e.lruIndex, oldest.Value.(*lruEntry).key)
	}
}

// cacheLen reports the LRU occupancy (test hook).
func (e *Engine) cacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru.Len()
}

// ─── Vector math ───

// Normalize scales v to unit length. The zero vector stays zero.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Cosine computes cosine similarity. When normalized is true both inputs
// are assumed unit-length and the dot product is returned directly.
func Cosine(a, b []float32, normalized bool) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if normalized {
		return dot
	}
	var na, nb float64
	for i := range a {
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HashText returns the stable content digest used for chunk identity and
// embedding-cache keys.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
