// Package llm wraps the model backend behind a minimal interface. The rest of
// the engine treats the model as a black box: prompt in, text out, failing
// with TIMEOUT, UNAVAILABLE, or RATE_LIMITED.
package llm

import "context"

// Client is the minimal interface interpreters use to call the model backend.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
