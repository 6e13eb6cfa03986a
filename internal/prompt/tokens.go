package prompt

import (
	"fmt"
	"sync"

	"github.com/weaviate/tiktoken-go"
)

// TokenCounter estimates prompt sizes for logging. The BPE tables are
// loaded on first use.
type TokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTokenCounter creates a counter for the given tiktoken encoding.
// An empty encoding selects cl100k_base.
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TokenCounter{encoding: encoding}
}

// Count returns the number of tokens in text.
func (c *TokenCounter) Count(text string) (int, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(c.encoding)
	})
	if c.err != nil {
		return 0, fmt.Errorf("load %s encoding: %w", c.encoding, c.err)
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}
