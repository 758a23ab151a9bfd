// Package pricing loads the model price book: per-model prompt/completion
// cost rates used to turn token usage into an estimated cost, read from
// the MODEL_PRICING_JSON env var. Grounded on config.go's env-first
// loading style, generalized from scalar fields to a keyed table, and on
// gopkg.in/yaml.v3 for the on-disk file form.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelRate is one model's per-million-token pricing.
type ModelRate struct {
	PromptPer1M     float64 `json:"prompt_per_1m" yaml:"prompt_per_1m"`
	CompletionPer1M float64 `json:"completion_per_1m" yaml:"completion_per_1m"`
}

// Book is an immutable, versioned price table.
type Book struct {
	Version string
	rates   map[string]ModelRate
}

// NewBook builds a Book from a rate table and version stamp.
func NewBook(version string, rates map[string]ModelRate) *Book {
	copied := make(map[string]ModelRate, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &Book{Version: version, rates: copied}
}

// Rate returns model's rate and whether it is known to the book.
func (b *Book) Rate(model string) (ModelRate, bool) {
	r, ok := b.rates[model]
	return r, ok
}

// EstimateCost returns the estimated cost in USD for promptTokens and
// completionTokens against model's rate, or (0, false) if the model has
// no known rate — callers must treat that as "cost estimate missing",
// not as a zero-cost call.
func (b *Book) EstimateCost(model string, promptTokens, completionTokens int64) (float64, bool) {
	rate, ok := b.Rate(model)
	if !ok {
		return 0, false
	}
	cost := float64(promptTokens)/1_000_000*rate.PromptPer1M + float64(completionTokens)/1_000_000*rate.CompletionPer1M
	return cost, true
}

// LoadFromEnv builds a Book from the MODEL_PRICING_JSON and
// PRICE_BOOK_VERSION environment variables. An empty or unset
// MODEL_PRICING_JSON yields an empty book (every EstimateCost call then
// reports "unknown"), which is a valid, if degraded, configuration.
func LoadFromEnv(defaultVersion string) (*Book, error) {
	version := defaultVersion
	if v := os.Getenv("PRICE_BOOK_VERSION"); v != "" {
		version = v
	}

	raw := os.Getenv("MODEL_PRICING_JSON")
	if raw == "" {
		return NewBook(version, nil), nil
	}

	var rates map[string]ModelRate
	if err := json.Unmarshal([]byte(raw), &rates); err != nil {
		return nil, fmt.Errorf("pricing: parse MODEL_PRICING_JSON: %w", err)
	}
	return NewBook(version, rates), nil
}

// LoadFromFile loads a price book from a YAML file, for deployments that
// prefer a mounted config file over an inline env var. The file's top
// level is a version string plus a models map:
//
//	version: v3
//	models:
//	  openai/gpt-4o:
//	    prompt_per_1m: 2.5
//	    completion_per_1m: 10
func LoadFromFile(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", path, err)
	}

	var doc struct {
		Version string               `yaml:"version"`
		Models  map[string]ModelRate `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	return NewBook(doc.Version, doc.Models), nil
}

// Registry lets a long-running process swap in a freshly loaded Book
// (e.g. on a SIGHUP-triggered reload) without callers needing to re-fetch
// a pointer each time.
type Registry struct {
	mu   sync.RWMutex
	book *Book
}

// NewRegistry wraps an initial Book.
func NewRegistry(initial *Book) *Registry {
	return &Registry{book: initial}
}

// Current returns the active Book.
func (r *Registry) Current() *Book {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.book
}

// Replace swaps in a new Book atomically.
func (r *Registry) Replace(b *Book) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.book = b
}
