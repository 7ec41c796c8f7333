package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/helmrun/orchestrator/pkg/planner"
)

// placeholderLLM is a deliberately dumb stand-in for a concrete LLM
// provider: it is enough to drive the fast-path/full-path round trip end
// to end locally without shipping a real model client. Swap it for a real
// provider (HTTP, gRPC, local inference) at wiring time; planner.Client
// only ever depends on the LLMProvider interface.
type placeholderLLM struct {
	model            string
	maxContextTokens int
}

func newPlaceholderLLM(model string) *placeholderLLM {
	return &placeholderLLM{model: model, maxContextTokens: 8192}
}

func (p *placeholderLLM) MaxContextTokens() int { return p.maxContextTokens }

func (p *placeholderLLM) EstimateTokens(text string) int {
	// Rough token estimate: ~4 characters per token.
	return (len(text) + 3) / 4
}

func (p *placeholderLLM) Chat(ctx context.Context, req planner.ChatRequest) (<-chan planner.ChatChunk, error) {
	ch := make(chan planner.ChatChunk, 1)
	reply := canned(req.UserMessage)
	go func() {
		defer close(ch)
		select {
		case ch <- planner.ChatChunk{Delta: reply, Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// canned produces a trivial fast-path reply for local smoke testing. A
// real provider would return either prose or a JSON plan document; this
// placeholder only ever answers in prose, so every job it serves takes the
// fast path.
func canned(userMessage string) string {
	msg := strings.TrimSpace(userMessage)
	if msg == "" {
		return "I didn't receive a message to respond to."
	}
	return fmt.Sprintf("Acknowledged: %s", msg)
}
