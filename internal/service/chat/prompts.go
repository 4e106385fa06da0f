package chat

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kotae/internal/model"
)

// Prompts holds the templates for every generation call. Templates use
// {{system}}, {{context}}, {{documents}}, {{reasoning}}, {{question}} and
// {{answer}} placeholders; each is substituted once, so placeholder-like text
// inside documents or questions is left alone.
type Prompts struct {
	System    string `yaml:"system"`
	Direct    string `yaml:"direct"`
	Reasoning string `yaml:"reasoning"`
	Final     string `yaml:"final"`
	Judge     string `yaml:"judge"`
}

// DefaultPrompts returns the built-in templates. The direct template renders
// as: system prompt, "\nContext for question:\n - ", the documents joined by
// "\n - ", "\n\nQuestion: ", then the question.
func DefaultPrompts() Prompts {
	return Prompts{
		System: "You are a helpful assistant for our knowledge base. Answer using only the context provided. " +
			"If the context does not contain the answer, say that you do not know.",
		Direct: "{{system}}\nContext for question:\n - {{context}}\n\nQuestion: {{question}}",
		Reasoning: "{{system}}\nContext for question:\n - {{context}}\n\nQuestion: {{question}}\n\n" +
			"Think through the question step by step using only the context above. " +
			"Write out your reasoning. Do not give the final answer yet.",
		Final: "{{system}}\nReasoning:\n{{reasoning}}\n\nQuestion: {{question}}\n\n" +
			"Using the reasoning above, give a clear and concise final answer to the question.",
		Judge: "Rate how well the answer is supported by the retrieved context, from 0.0 (not supported) " +
			"to 1.0 (fully supported). Reply with the number only.\n\n" +
			"Context:\n{{documents}}\n\nQuestion: {{question}}\n\nAnswer: {{answer}}",
	}
}

// LoadPrompts reads template overrides from a YAML file. Keys that are
// absent keep their defaults; unknown keys are an error.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Prompts{}, fmt.Errorf("chat: read prompts: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var override Prompts
	if err := dec.Decode(&override); err != nil {
		return Prompts{}, fmt.Errorf("chat: parse prompts %s: %w", path, err)
	}

	for _, f := range []struct {
		dst *string
		src string
	}{
		{&p.System, override.System},
		{&p.Direct, override.Direct},
		{&p.Reasoning, override.Reasoning},
		{&p.Final, override.Final},
		{&p.Judge, override.Judge},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
	return p, nil
}

func contextBlock(docs []model.RetrievedDocument) string {
	return strings.Join(model.Contents(docs), "\n - ")
}

func (p Prompts) render(tmpl string, pairs ...string) string {
	return strings.NewReplacer(append([]string{"{{system}}", p.System}, pairs...)...).Replace(tmpl)
}

// DirectPrompt is the single-pass answer prompt.
func (p Prompts) DirectPrompt(c *Conversation) string {
	return p.render(p.Direct, "{{context}}", contextBlock(c.Docs), "{{question}}", c.Query)
}

// ReasoningPrompt asks for step-by-step reasoning over the retrieved context.
func (p Prompts) ReasoningPrompt(c *Conversation) string {
	return p.render(p.Reasoning, "{{context}}", contextBlock(c.Docs), "{{question}}", c.Query)
}

// FinalPrompt is built from the reasoning and the question only.
func (p Prompts) FinalPrompt(c *Conversation) string {
	reasoning := ""
	if c.Reasoning != nil {
		reasoning = *c.Reasoning
	}
	return p.render(p.Final, "{{reasoning}}", reasoning, "{{question}}", c.Query)
}

// JudgePrompt renders each document with its similarity.
func (p Prompts) JudgePrompt(c *Conversation) string {
	var docs strings.Builder
	for i, d := range c.Docs {
		if i > 0 {
			docs.WriteByte('\n')
		}
		docs.WriteString("- [")
		docs.WriteString(strconv.FormatFloat(d.Similarity, 'f', 3, 64))
		docs.WriteString("] ")
		docs.WriteString(d.Content)
	}
	answer := ""
	if c.Answer != nil {
		answer = *c.Answer
	}
	return p.render(p.Judge, "{{documents}}", docs.String(), "{{question}}", c.Query, "{{answer}}", answer)
}
