package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"
)

// countingProvider wraps HashEmbedder and counts provider calls, so tests
// can observe cache hits.
type countingProvider struct {
	*HashEmbedder
	calls atomic.Int64
}

func (p *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(int64(len(texts)))
	return p.HashEmbedder.Embed(ctx, texts)
}

func newTestEngine() (*Engine, *countingProvider) {
	p := &countingProvider{HashEmbedder: NewHashEmbedder(64)}
	return NewEngine(p, slog.Default()), p
}

func TestEmbedEmptyIsZeroVector(t *testing.T) {
	e, _ := newTestEngine()
	for _, in := range []string{"", "   ", "\n\t"} {
		vec, err := e.Embed(context.Background(), in, true)
		if err != nil {
			t.Fatal(err)
		}
		if len(vec) != 64 {
			t.Fatalf("dimension = %d, want 64", len(vec))
		}
		for _, x := range vec {
			if x != 0 {
				t.Fatalf("Embed(%q) should be the zero vector", in)
			}
		}
	}
}

func TestEmbedUnitNorm(t *testing.T) {
	e, _ := newTestEngine()
	vec, err := e.Embed(context.Background(), "the quick brown fox jumps over the lazy dog", false)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-4 {
		t.Errorf("norm = %f, want 1 ±1e-4", math.Sqrt(sum))
	}
}

func TestEmbedQueryCache(t *testing.T) {
	e, p := newTestEngine()
	ctx := context.Background()

	if _, err := e.Embed(ctx, "hello world", true); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Embed(ctx, "hello world", true); err != nil {
		t.Fatal(err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider called %d times, want 1 (cache hit)", got)
	}

	// useCache=false bypasses the cache.
	if _, err := e.Embed(ctx, "hello world", false); err != nil {
		t.Fatal(err)
	}
	if got := p.calls.Load(); got != 2 {
		t.Errorf("provider called %d times, want 2", got)
	}
}

func TestQueryCacheLRUEviction(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	for i := 0; i < queryCacheSize+20; i++ {
		if _, err := e.Embed(ctx, fmt.Sprintf("query number %d", i), true); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.cacheLen(); got != queryCacheSize {
		t.Errorf("cache size = %d, want %d", got, queryCacheSize)
	}

	// The newest entry must still be cached.
	if _, ok := e.cacheGet(normalizeInput(fmt.Sprintf("query number %d", queryCacheSize+19))); !ok {
		t.Errorf("most recent entry evicted")
	}
	// The oldest must be gone.
	if _, ok := e.cacheGet(normalizeInput("query number 0")); ok {
		t.Errorf("oldest entry should have been evicted")
	}
}

func TestEmbedBatch(t *testing.T) {
	e, _ := newTestEngine()
	texts := []string{"alpha", "", "gamma", "delta"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 4 {
		t.Fatalf("got %d vectors, want 4", len(vecs))
	}
	for i, vec := range vecs {
		if len(vec) != 64 {
			t.Errorf("vector %d has dimension %d", i, len(vec))
		}
	}
	// Empty input slot is the zero vector.
	for _, x := range vecs[1] {
		if x != 0 {
			t.Errorf("empty batch slot should be zero vector")
		}
	}
}

func TestCosine(t *testing.T) {
	a := Normalize([]float32{1, 0, 0})
	b := Normalize([]float32{0, 1, 0})
	c := Normalize([]float32{1, 0, 0})
	neg := Normalize([]float32{-1, 0, 0})

	if got := Cosine(a, c, true); math.Abs(got-1) > 1e-6 {
		t.Errorf("cosine(a,a) = %f, want 1", got)
	}
	if got := Cosine(a, b, true); math.Abs(got) > 1e-6 {
		t.Errorf("cosine(orthogonal) = %f, want 0", got)
	}
	if got := Cosine(a, neg, true); math.Abs(got+1) > 1e-6 {
		t.Errorf("cosine(opposite) = %f, want -1", got)
	}

	// On unit vectors, cosine equals the plain dot product.
	raw := []float32{3, 4}
	u := Normalize(raw)
	if got, dot := Cosine(u, u, true), Cosine(u, u, false); math.Abs(got-dot) > 1e-6 {
		t.Errorf("normalized cosine %f != full cosine %f", got, dot)
	}

	if got := Cosine([]float32{1}, []float32{1, 2}, true); got != 0 {
		t.Errorf("mismatched dimensions should score 0")
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := Normalize(make([]float32, 8))
	for _, x := range v {
		if x != 0 {
			t.Errorf("zero vector should stay zero")
		}
	}
}

func TestHashTextStable(t *testing.T) {
	if HashText("hello") != HashText("hello") {
		t.Errorf("hash is not a pure function of text")
	}
	if HashText("hello") == HashText("world") {
		t.Errorf("distinct texts should not collide")
	}
}

func TestNormalizeInputRuneBoundary(t *testing.T) {
	// 512 bytes would land mid-rune in a pure-Korean string (3 bytes per
	// rune); the cut must back up instead of emitting invalid UTF-8.
	long := strings.Repeat("약", 300)
	got := normalizeInput(long)
	if len(got) > maxEmbedInputChars {
		t.Fatalf("normalized input is %d bytes, cap is %d", len(got), maxEmbedInputChars)
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got[len(got)-4:])
	}
	if short := normalizeInput("  hello  "); short != "hello" {
		t.Errorf("short input should only be trimmed, got %q", short)
	}
}

func TestPreloadIdempotent(t *testing.T) {
	e, p := newTestEngine()
	for i := 0; i < 3; i++ {
		if err := e.Preload(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("preload called provider %d times, want 1", got)
	}
}
