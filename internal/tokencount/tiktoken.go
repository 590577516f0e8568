package tokencount

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tiktoken counts locally with a BPE encoding. The encoding is loaded on
// first use and may be downloaded then. A failed load is retried by the next
// Count.
type Tiktoken struct {
	encoding string
	load     func(encoding string) (*tiktoken.Tiktoken, error)

	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) *Tiktoken {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Tiktoken{encoding: encoding, load: tiktoken.GetEncoding}
}

func (t *Tiktoken) encoder() (*tiktoken.Tiktoken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc != nil {
		return t.enc, nil
	}
	enc, err := t.load(t.encoding)
	if err != nil {
		return nil, unavailable("load encoding", fmt.Errorf("%s: %w", t.encoding, err))
	}
	t.enc = enc
	return enc, nil
}

func (t *Tiktoken) Count(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	enc, err := t.encoder()
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}
