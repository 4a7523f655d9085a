package interpret

import (
	"context"

	"smartquery/internal/llm"
	"smartquery/internal/logging"
	"smartquery/internal/query"
	"smartquery/internal/sanitize"
	"smartquery/internal/schema"
	"smartquery/internal/types"
)

// Reader is the read interpreter: question in, executed query out.
type Reader struct {
	llm       llm.Client
	cache     *schema.Cache
	sanitizer *sanitize.Sanitizer
	executor  *query.Executor
}

// NewReader wires the read interpreter.
func NewReader(client llm.Client, cache *schema.Cache, sanitizer *sanitize.Sanitizer, executor *query.Executor) *Reader {
	return &Reader{llm: client, cache: cache, sanitizer: sanitizer, executor: executor}
}

// readReply is what the model may answer with: either a query spec or a
// prose answer when the question is not answerable from the data.
type readReply struct {
	types.QuerySpec
	Answer string `json:"answer,omitempty"`
}

// Interpret answers one question. The schema snapshot is taken once so prompt
// construction and validation see the same catalogs; the model is called
// exactly once.
func (r *Reader) Interpret(ctx context.Context, question string) (types.ReadResponse, error) {
	return r.InterpretWithContext(ctx, question, "")
}

// InterpretWithContext additionally embeds prior conversation turns as escaped
// data so follow-up questions can resolve references like "those projects".
func (r *Reader) InterpretWithContext(ctx context.Context, question, conversation string) (types.ReadResponse, error) {
	snap, err := r.cache.Snapshot(ctx)
	if err != nil {
		return types.ReadResponse{}, err
	}

	system := readSystemPrompt(snap)
	user := r.sanitizer.WrapData(question)
	if conversation != "" {
		user = "Prior conversation:\n" + r.sanitizer.WrapData(conversation) + "\n\nQuestion:\n" + user
	}

	raw, err := r.llm.CompleteWithSystem(ctx, system, user)
	if err != nil {
		return types.ReadResponse{}, err
	}

	var reply readReply
	if err := sanitize.DecodeObjectWithAliases(raw, querySpecAliases, &reply); err != nil {
		return types.ReadResponse{}, err
	}

	if reply.Answer != "" && reply.QueryKind == "" {
		logging.Interpret("question answered in prose, no query executed")
		return types.ReadResponse{Hint: types.VisText, Answer: reply.Answer}, nil
	}

	spec := reply.QuerySpec
	if err := spec.Validate(); err != nil {
		logging.Get(logging.CategoryInterpret).Error("model produced invalid query spec: %v", err)
		return types.ReadResponse{}, err
	}

	result, err := r.executor.Execute(ctx, &spec, snap)
	if err != nil {
		return types.ReadResponse{}, err
	}

	hint := query.ChooseVisualization(&spec, &result)
	logging.Interpret("read query executed: kind=%s hint=%s rows=%d", spec.QueryKind, hint, len(result.Rows))
	return types.ReadResponse{Spec: spec, Result: result, Hint: hint}, nil
}
