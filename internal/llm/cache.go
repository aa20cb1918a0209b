package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/pkg/kv"
)

// cacheKeyPrefix namespaces cache entries in the shared K/V store.
const cacheKeyPrefix = "llm:cache:"

// Cache is the content-addressed LLM response cache. Writes are
// last-writer-wins; keys are content hashes, so collisions are benign.
type Cache struct {
	store kv.Store
	ttl   time.Duration
}

// cacheEntry is the stored value, lz4-compressed JSON.
type cacheEntry struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// NewCache creates a cache over store with the given entry TTL.
func NewCache(store kv.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// CacheKey derives the content address for a rewrite request:
// sha256 over file path, file content, normalized findings, and model.
func CacheKey(path, content string, findings []analysis.Finding, model string) string {
	h := sha256.New()

	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(normalizeFindings(findings)))
	h.Write([]byte{0})
	h.Write([]byte(model))

	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// normalizeFindings renders findings order-independently so logically
// identical sets address the same cache slot.
func normalizeFindings(findings []analysis.Finding) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, f.File+":"+strconv.Itoa(f.Line)+":"+f.Rule)
	}

	sort.Strings(parts)

	raw, _ := json.Marshal(parts)

	return string(raw)
}

// Get returns the cached response for key, or false on miss. A hit carries
// Provider="cache" and zero ResponseTime.
func (c *Cache) Get(ctx context.Context, key string) (Response, bool) {
	if c == nil {
		return Response{}, false
	}

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		return Response{}, false
	}

	decompressed, err := lz4Decompress(raw)
	if err != nil {
		return Response{}, false
	}

	var entry cacheEntry

	if err := json.Unmarshal(decompressed, &entry); err != nil {
		return Response{}, false
	}

	return Response{
		Text:     entry.Text,
		Model:    entry.Model,
		Provider: ProviderCache,
	}, true
}

// Put stores a response under key. Failures are ignored; the cache is an
// optimization, never a correctness dependency.
func (c *Cache) Put(ctx context.Context, key string, resp Response) {
	if c == nil || resp.Text == "" {
		return
	}

	entry := cacheEntry{
		Text:     resp.Text,
		Model:    resp.Model,
		Provider: resp.Provider,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}

	compressed, err := lz4Compress(raw)
	if err != nil {
		return
	}

	_ = c.store.SetTTL(ctx, key, compressed, c.ttl)
}

func lz4Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)

	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}

	return buf.Bytes(), nil
}

func lz4Decompress(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))

	raw, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("lz4 read: %w", err)
	}

	return raw, nil
}
