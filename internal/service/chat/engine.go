package chat

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/search"
	"github.com/ashita-ai/kotae/internal/service/embedding"
	"github.com/ashita-ai/kotae/internal/service/llm"
)

// EngineConfig tunes retrieval and judging.
type EngineConfig struct {
	TopK              int
	MinSimilarity     float64
	ConfidenceEnabled bool
	Prompts           Prompts
}

// Engine runs the conversation graph against its collaborators.
type Engine struct {
	embedder  embedding.Provider
	retriever search.Retriever
	generator llm.Generator
	cfg       EngineConfig
}

// NewEngine creates an Engine. A zero Prompts value uses DefaultPrompts.
func NewEngine(embedder embedding.Provider, retriever search.Retriever, generator llm.Generator, cfg EngineConfig) *Engine {
	if cfg.Prompts == (Prompts{}) {
		cfg.Prompts = DefaultPrompts()
	}
	return &Engine{embedder: embedder, retriever: retriever, generator: generator, cfg: cfg}
}

// ConfidenceEnabled reports whether Judge should be called after an answer.
func (e *Engine) ConfidenceEnabled() bool {
	return e.cfg.ConfidenceEnabled
}

// Run drives c from its current step to a terminal one and yields answer
// fragments as they are generated. On failure it yields ("", err) once with
// err wrapping model.ErrEmbedding, ErrRetrieval or ErrGeneration. If the
// consumer stops early, c is left on the step that was streaming.
func (e *Engine) Run(ctx context.Context, c *Conversation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for !c.Step.Terminal() {
			var err error
			switch c.Step {
			case StepStart:
			case StepRetrieveDocs:
				err = e.retrieve(ctx, c)
			case StepReasoning:
				err = e.reason(ctx, c)
			case StepDirectAnswer, StepFinalAnswer:
				var stopped bool
				stopped, err = e.answer(ctx, c, yield)
				if stopped {
					return
				}
			}

			ev := EventOK
			if err != nil {
				ev = EventFailed
				c.FailedAt, c.Err = c.Step, err
			}
			c.Step = Next(c.Step, ev, c.EnableReasoning)
		}
		if c.Step == StepFailed {
			yield("", c.Err)
		}
	}
}

func (e *Engine) retrieve(ctx context.Context, c *Conversation) error {
	vec, err := e.embedder.Embed(ctx, c.Query)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrEmbedding, err)
	}
	docs, err := e.retriever.Search(ctx, vec.Slice(), e.cfg.TopK, e.cfg.MinSimilarity)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrRetrieval, err)
	}
	if docs == nil {
		docs = []model.RetrievedDocument{}
	}
	c.Docs = docs
	return nil
}

func (e *Engine) reason(ctx context.Context, c *Conversation) error {
	out, err := e.generator.Generate(ctx, e.cfg.Prompts.ReasoningPrompt(c))
	if err != nil {
		return fmt.Errorf("%w: reasoning: %w", model.ErrGeneration, err)
	}
	c.Reasoning = &out
	return nil
}

// answer streams the direct or final answer. stopped is true when the
// consumer declined a fragment.
func (e *Engine) answer(ctx context.Context, c *Conversation, yield func(string, error) bool) (stopped bool, err error) {
	prompt := e.cfg.Prompts.DirectPrompt(c)
	if c.Step == StepFinalAnswer {
		prompt = e.cfg.Prompts.FinalPrompt(c)
	}

	var b strings.Builder
	for frag, genErr := range e.generator.GenerateStream(ctx, prompt) {
		if genErr != nil {
			return false, fmt.Errorf("%w: %s: %w", model.ErrGeneration, c.Step, genErr)
		}
		if frag == "" {
			continue
		}
		b.WriteString(frag)
		if !yield(frag, nil) {
			return true, nil
		}
	}
	answer := b.String()
	c.Answer = &answer
	return false, nil
}

// Judge asks the generator how well c's answer is supported by its
// documents. Any failure yields 0.
func (e *Engine) Judge(ctx context.Context, c *Conversation) float64 {
	out, err := e.generator.Generate(ctx, e.cfg.Prompts.JudgePrompt(c))
	if err != nil {
		return 0
	}
	return ParseConfidence(out)
}

var numberRe = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)`)

// ParseConfidence extracts the first number in s. Anything that is not a
// number in [0, 1] yields 0.
func ParseConfidence(s string) float64 {
	m := numberRe.FindString(s)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v < 0 || v > 1 {
		return 0
	}
	return v
}
