// Package tokencount estimates prompt and answer sizes in tokens.
//
// It uses tiktoken-go encodings as an approximation for every provider,
// including Gemini models, and falls back to a character heuristic when an
// encoding cannot be loaded.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Usage represents token counts for one completion.
type Usage struct {
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	Model            string `json:"model"`
}

// Counter provides thread-safe token counting.
type Counter struct {
	mu            sync.RWMutex
	encodingCache map[string]*tiktoken.Tiktoken
	failed        map[string]bool
	load          func(encoding string) (*tiktoken.Tiktoken, error)
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
		failed:        make(map[string]bool),
		load:          tiktoken.GetEncoding,
	}
}

// encodingFor returns the cached encoding for a model, nil when unavailable.
func (c *Counter) encodingFor(model string) *tiktoken.Tiktoken {
	name := encodingName(model)

	c.mu.RLock()
	enc, ok := c.encodingCache[name]
	failed := c.failed[name]
	c.mu.RUnlock()
	if ok {
		return enc
	}
	if failed {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[name]; ok {
		return enc
	}
	enc, err := c.load(name)
	if err != nil {
		slog.Warn("token encoding unavailable, using estimate", slog.String("encoding", name), slog.Any("error", err))
		c.failed[name] = true
		return nil
	}
	c.encodingCache[name] = enc
	return enc
}

// encodingName picks a tiktoken encoding for a provider model id.
func encodingName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}

// Count returns the token count of text for model.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	if enc := c.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimate(text)
}

// Usage counts a full exchange. Chat framing adds a few tokens per message.
func (c *Counter) Usage(systemPrompt, prompt, completion, model string) Usage {
	const perMessage = 4
	promptTokens := c.Count(systemPrompt, model) + c.Count(prompt, model) + 2*perMessage + 3
	completionTokens := c.Count(completion, model)
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Model:            model,
	}
}

// estimate is the ~4 characters per token rule of thumb.
func estimate(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 {
		return 1
	}
	return n
}
