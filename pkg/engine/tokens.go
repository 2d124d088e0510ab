package engine

import (
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts for usage accounting when a backend
// does not report usage itself. All supported models approximate well
// enough with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for the given model.
func NewTokenCounter(string) *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		// Counting falls back to a character heuristic.
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the estimated token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}
