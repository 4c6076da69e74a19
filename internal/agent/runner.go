package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/canvass/canvass/internal/anthropic"
)

// DefaultMaxRounds bounds the tool-use loop when the caller passes 0.
const DefaultMaxRounds = 5

// Generator is the text-generation capability the runner drives. Satisfied
// by *anthropic.Client.
type Generator interface {
	Messages(ctx context.Context, req anthropic.MessageRequest) (anthropic.MessageResponse, error)
}

// Callback pairs a tool declaration with the function executed when the
// model invokes it. The returned string is fed back to the model as the
// tool result.
type Callback struct {
	Tool anthropic.Tool
	Fn   func(ctx context.Context, input json.RawMessage) (string, error)
}

// Runner drives a bounded multi-round conversation in which the model may
// invoke named callbacks before producing its final answer. Structured
// extraction works by having a callback write into a caller-owned result
// slot; the runner itself holds no mutable state across calls.
type Runner struct {
	client Generator
	logger *slog.Logger
}

// New creates a Runner on top of the given generation client.
func New(client Generator) *Runner {
	return &Runner{client: client, logger: slog.Default()}
}

// Run seeds a conversation with userPrompt and loops until the model
// responds without tool invocations, an invocation names no known callback,
// or maxRounds is exhausted.
//
// Callback execution failures are swallowed: the tool result is omitted and
// the loop continues with whatever results remain. When a response carries
// invocations but none match the callback set, the loop terminates early
// with that turn's text — callers relying on a callback must read their
// result slot, not the returned text.
func (r *Runner) Run(ctx context.Context, systemPrompt, userPrompt string, callbacks map[string]Callback, maxRounds int) (string, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	tools := make([]anthropic.Tool, 0, len(callbacks))
	for _, cb := range callbacks {
		tools = append(tools, cb.Tool)
	}

	messages := []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{anthropic.TextBlock(userPrompt)}},
	}

	var lastText string
	for range maxRounds {
		resp, err := r.client.Messages(ctx, anthropic.MessageRequest{
			System:   systemPrompt,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return "", err
		}

		messages = append(messages, anthropic.Message{Role: "assistant", Content: resp.Content})
		lastText = joinText(resp.Content)

		invocations := toolUses(resp.Content)
		if len(invocations) == 0 {
			return lastText, nil
		}

		var results []anthropic.ContentBlock
		for _, inv := range invocations {
			cb, ok := callbacks[inv.Name]
			if !ok {
				continue
			}
			out, err := cb.Fn(ctx, inv.Input)
			if err != nil {
				r.logger.Warn("callback failed, omitting tool result", "tool", inv.Name, "error", err)
				continue
			}
			results = append(results, anthropic.ToolResultBlock(inv.ID, out))
		}

		// The model asked for tools we don't have: nothing to feed back, so
		// this assistant turn is the last one.
		if len(results) == 0 {
			return lastText, nil
		}

		messages = append(messages, anthropic.Message{Role: "user", Content: results})
	}

	// Rounds exhausted without a tool-free response; best effort.
	return lastText, nil
}

func toolUses(blocks []anthropic.ContentBlock) []anthropic.ContentBlock {
	var uses []anthropic.ContentBlock
	for _, b := range blocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

func joinText(blocks []anthropic.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
