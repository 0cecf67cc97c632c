// Package tokenizer provides token counting for prompt budgeting.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// Count returns the sub-word token count of text using the cl100k_base
// encoding. If the encoding is unavailable it falls back to len(text)*2,
// a deliberately pessimistic estimate: tokenization failures must never
// abort a request, and overcounting only trims history earlier.
func Count(text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding()
	if enc == nil {
		return len(text) * 2
	}
	return len(enc.Encode(text, nil, nil))
}

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}
