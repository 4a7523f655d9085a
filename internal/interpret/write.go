package interpret

import (
	"context"
	"errors"
	"time"

	"smartquery/internal/audit"
	"smartquery/internal/llm"
	"smartquery/internal/logging"
	"smartquery/internal/registry"
	"smartquery/internal/sanitize"
	"smartquery/internal/schema"
	"smartquery/internal/types"
)

// Writer is the write interpreter: instruction in, executed operations out.
// The plan session layer reuses Propose and ExecuteOne to stage the same
// operations behind a confirmation step.
type Writer struct {
	llm       llm.Client
	cache     *schema.Cache
	sanitizer *sanitize.Sanitizer
	registry  *registry.Registry
	audit     audit.Emitter
}

// NewWriter wires the write interpreter.
func NewWriter(client llm.Client, cache *schema.Cache, sanitizer *sanitize.Sanitizer, reg *registry.Registry, emitter audit.Emitter) *Writer {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	return &Writer{llm: client, cache: cache, sanitizer: sanitizer, registry: reg, audit: emitter}
}

// operationsReply is the envelope the model answers write prompts with. A
// bare single operation is also accepted.
type operationsReply struct {
	Operations []types.Operation `json:"operations"`
	// Single-operation shorthand some models fall back to.
	Name   string                 `json:"name,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Propose asks the model to translate the instruction into operations and
// validates every one against the registry before anything executes. One
// invalid operation rejects the whole proposal.
func (w *Writer) Propose(ctx context.Context, instruction string) ([]types.Operation, error) {
	return w.ProposeWithContext(ctx, instruction, "")
}

// ProposeWithContext additionally embeds prior conversation turns as escaped
// data, matching the read side.
func (w *Writer) ProposeWithContext(ctx context.Context, instruction, conversation string) ([]types.Operation, error) {
	snap, err := w.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	system := writeSystemPrompt(snap, w.registry.Catalog())
	user := w.sanitizer.WrapData(instruction)
	if conversation != "" {
		user = "Prior conversation:\n" + w.sanitizer.WrapData(conversation) + "\n\nInstruction:\n" + user
	}

	raw, err := w.llm.CompleteWithSystem(ctx, system, user)
	if err != nil {
		return nil, err
	}

	var reply operationsReply
	if err := sanitize.DecodeObjectWithAliases(raw, operationsAliases, &reply); err != nil {
		return nil, err
	}
	ops := reply.Operations
	if len(ops) == 0 && reply.Name != "" {
		ops = []types.Operation{{Name: reply.Name, Params: reply.Params}}
	}
	if len(ops) == 0 {
		return nil, types.E(types.KindInterpretationInvalid, "model proposed no operations")
	}

	for i := range ops {
		def, err := w.registry.Get(ops[i].Name)
		if err != nil {
			return nil, err
		}
		if err := w.registry.ValidateParams(ops[i].Name, ops[i].Params); err != nil {
			return nil, err
		}
		ops[i].RequiresConfirmation = def.RequiresConfirmation
	}
	logging.Interpret("proposed %d operation(s) for instruction", len(ops))
	return ops, nil
}

// Interpret proposes and immediately executes. Used for direct writes; plans
// go through the session layer instead.
func (w *Writer) Interpret(ctx context.Context, instruction string) (types.WriteResponse, error) {
	return w.InterpretWithContext(ctx, instruction, "")
}

// InterpretWithContext is Interpret with prior conversation turns attached.
func (w *Writer) InterpretWithContext(ctx context.Context, instruction, conversation string) (types.WriteResponse, error) {
	ops, err := w.ProposeWithContext(ctx, instruction, conversation)
	if err != nil {
		return types.WriteResponse{}, err
	}
	return w.ExecuteAll(ctx, ops, ""), nil
}

// ExecuteAll runs operations strictly in order. The first failure marks its
// operation failed and every remaining one skipped; nothing runs after a
// failure.
func (w *Writer) ExecuteAll(ctx context.Context, ops []types.Operation, sessionID string) types.WriteResponse {
	resp := types.WriteResponse{Operations: make([]types.ExecutionResult, 0, len(ops))}
	failed := false

	for _, op := range ops {
		if failed {
			resp.Operations = append(resp.Operations, types.ExecutionResult{Operation: op, Status: types.OpSkipped})
			continue
		}
		result := w.ExecuteOne(ctx, op, sessionID)
		if result.Status == types.OpFailed {
			failed = true
		}
		resp.Operations = append(resp.Operations, result)
	}
	return resp
}

// ExecuteOne dispatches a single operation through the registry and emits an
// audit event for it.
func (w *Writer) ExecuteOne(ctx context.Context, op types.Operation, sessionID string) types.ExecutionResult {
	payload, undoToken, err := w.registry.Execute(ctx, op)

	result := types.ExecutionResult{Operation: op, UndoToken: undoToken}
	ev := audit.Event{
		OperationName: op.Name,
		Params:        op.Params,
		UndoToken:     undoToken,
		SessionID:     sessionID,
		Timestamp:     time.Now().UTC(),
	}

	if err != nil {
		result.Status = types.OpFailed
		result.Error = asTypedError(err)
		ev.Status = types.OpFailed
		ev.Error = err.Error()
	} else {
		result.Status = types.OpOK
		result.Payload = payload
		ev.Status = types.OpOK
	}

	w.audit.Emit(ctx, ev)
	return result
}

// asTypedError coerces err into the structured form results carry.
func asTypedError(err error) *types.Error {
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	return types.Wrap(types.KindInternal, err, "operation failed")
}
