// Package planner implements the Scout planner client: it turns a user
// request into either a fast-path textual reply or a full-path execution
// plan, running the fast-path self-check and enforcing the LLM provider's
// token budget. The LLM provider itself is an
// external collaborator injected as an interface.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/helmrun/orchestrator/pkg/plan"
)

// ChatChunk is one piece of a streaming LLM response.
type ChatChunk struct {
	Delta string
	Done  bool
}

// ChatRequest is what the planner sends its LLM provider.
type ChatRequest struct {
	SystemPrompt string
	UserMessage  string
	History      []ConversationTurn
}

type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMProvider is the polymorphic collaborator contract: a
// streaming chat call plus token accounting, supplied by the caller.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error)
	EstimateTokens(text string) int
	MaxContextTokens() int
}

// Path is the closed set of planner response shapes.
type Path string

const (
	PathFast Path = "fast"
	PathFull Path = "full"
)

// Response is the planner's answer to a plan.request.
type Response struct {
	Path            Path       `json:"path"`
	Text            string     `json:"text,omitempty"`
	Plan            *plan.Plan `json:"plan,omitempty"`
	RequiresReroute bool       `json:"requiresReroute,omitempty"`
}

// Request is the payload carried on a plan.request envelope.
type Request struct {
	JobID               string             `json:"jobId"`
	UserMessage         string             `json:"userMessage"`
	ConversationHistory []ConversationTurn `json:"conversationHistory,omitempty"`
	CumulativeTokens    int                `json:"cumulativeTokens,omitempty"`
}

var (
	ErrTokenBudgetExceeded = fmt.Errorf("planner: cumulative token budget exceeded")
)

// rerouteLanguage detects deferred-action phrasing in a fast-path reply
// that actually implies work was (or should be) done.
var rerouteLanguage = regexp.MustCompile(`(?i)\bI've gone ahead and\b|\bI will go ahead and\b|\bI'm going to\b.*\bfor you\b`)

// Client drives LLM provider calls into planner Responses.
type Client struct {
	provider LLMProvider
}

func New(provider LLMProvider) *Client {
	return &Client{provider: provider}
}

// Plan produces a fast-path text reply or a full-path execution plan.
// Response.RequiresReroute is set when a fast-path reply's own text implies
// deferred action; the pipeline is responsible for re-dispatching as full
// path in that case.
func (c *Client) Plan(ctx context.Context, req Request) (*Response, error) {
	if req.CumulativeTokens >= c.provider.MaxContextTokens() {
		return nil, ErrTokenBudgetExceeded
	}

	chunks, err := c.provider.Chat(ctx, ChatRequest{
		SystemPrompt: plannerSystemPrompt,
		UserMessage:  req.UserMessage,
		History:      req.ConversationHistory,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: chat: %w", err)
	}

	var sb strings.Builder
	for chunk := range chunks {
		sb.WriteString(chunk.Delta)
		if chunk.Done {
			break
		}
	}
	raw := strings.TrimSpace(sb.String())

	if p, ok := tryParsePlan(raw, req.JobID); ok {
		return &Response{Path: PathFull, Plan: p}, nil
	}

	resp := &Response{Path: PathFast, Text: raw}
	if rerouteLanguage.MatchString(raw) {
		resp.RequiresReroute = true
	}
	return resp, nil
}

// tryParsePlan recognizes a full-path response: the model is instructed to
// emit a JSON object with a "steps" array when it decides to plan instead
// of reply directly.
func tryParsePlan(raw, jobID string) (*plan.Plan, bool) {
	if !strings.HasPrefix(raw, "{") {
		return nil, false
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil || len(p.Steps) == 0 {
		return nil, false
	}
	p.JobID = jobID
	return &p, true
}

const plannerSystemPrompt = `You are Scout, the planning component of an autonomous agent runtime. ` +
	`Reply directly in plain text for requests you can answer immediately. ` +
	`For requests requiring tool use, respond with a single JSON object ` +
	`describing an execution plan: {"steps": [...]}.`
