// Package llm provides answer generation against hosted and local language
// models. Each Generator supports a single-shot call and a streaming call
// that yields text fragments as the model produces them.
package llm

import (
	"context"
	"iter"
	"strings"
	"time"
)

// Generator produces text from a prompt.
type Generator interface {
	// Generate returns the full completion for prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// GenerateStream yields completion fragments in order. A failure is
	// yielded once as ("", err) and ends the sequence. Stopping iteration
	// early releases the underlying request.
	GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Options tunes generation for every provider.
type Options struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int
	// Timeout bounds one whole call, including streaming. Zero means no limit.
	Timeout time.Duration
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeout)
}

// Collect drains a stream into a single string, stopping at the first error.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for frag, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
	return b.String(), nil
}

// Static is a Generator that answers every prompt with the same text, split
// into fragments on spaces. It is used when no model is configured.
type Static struct {
	Text string
}

// Generate implements Generator.
func (s Static) Generate(context.Context, string) (string, error) {
	return s.Text, nil
}

// GenerateStream implements Generator.
func (s Static) GenerateStream(ctx context.Context, _ string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		words := strings.SplitAfter(s.Text, " ")
		for _, w := range words {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if w == "" {
				continue
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}
