// Package registry holds the operations registry: the closed set of write
// operations the interpreters may dispatch. Prompt documentation for the
// model is generated from the registry itself, so a registered operation is
// automatically describable and an undescribed one cannot be invoked.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonschema"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// Handler executes one operation. It returns a payload for the caller and,
// for reversible operations, parameters the inverse needs to undo the effect.
type Handler func(ctx context.Context, params map[string]interface{}) (payload map[string]interface{}, undoParams map[string]interface{}, err error)

// Inverse reverts a previously applied operation given the undo parameters
// its handler recorded.
type Inverse func(ctx context.Context, undoParams map[string]interface{}) error

// Definition declares one operation: its name, model-facing description,
// parameter schema, handler, and optional inverse.
type Definition struct {
	Name                 string
	Description          string
	ParamsSchema         map[string]interface{}
	Handler              Handler
	Inverse              Inverse
	RequiresConfirmation bool
}

// Reversible reports whether the operation declares an inverse.
func (d Definition) Reversible() bool { return d.Inverse != nil }

type entry struct {
	def      Definition
	compiled *jsonschema.Schema
}

// undoTokenTTL bounds how long an unconsumed undo token stays redeemable.
// Most single-shot writes never roll back, so unredeemed tokens would
// otherwise accumulate for the process lifetime.
const undoTokenTTL = time.Hour

// undoRecord binds an issued undo token to the operation and parameters
// needed to revert it.
type undoRecord struct {
	opName   string
	params   map[string]interface{}
	issuedAt time.Time
}

// Registry is the operation catalog. Registration happens at process start;
// lookup and dispatch are concurrent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	undo    map[string]undoRecord
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		undo:    make(map[string]undoRecord),
		now:     time.Now,
	}
}

// Register adds an operation definition. The parameter schema is compiled
// once here; a schema that does not compile is a programming error surfaced
// at startup.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("operation name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("operation %q has no handler", def.Name)
	}

	var compiled *jsonschema.Schema
	if def.ParamsSchema != nil {
		raw, err := json.Marshal(def.ParamsSchema)
		if err != nil {
			return fmt.Errorf("operation %q: failed to marshal params schema: %w", def.Name, err)
		}
		compiled, err = jsonschema.NewCompiler().Compile(raw)
		if err != nil {
			return fmt.Errorf("operation %q: invalid params schema: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("operation %q already registered", def.Name)
	}
	r.entries[def.Name] = &entry{def: def, compiled: compiled}
	logging.Registry("registered operation %q (reversible=%v confirm=%v)", def.Name, def.Reversible(), def.RequiresConfirmation)
	return nil
}

// Get returns the definition for name. An unregistered name is
// UNKNOWN_OPERATION, never a silent no-op.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Definition{}, types.E(types.KindUnknownOperation, "operation %q is not registered", name)
	}
	return e.def, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ValidateParams checks params against the operation's declared schema.
func (r *Registry) ValidateParams(name string, params map[string]interface{}) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return types.E(types.KindUnknownOperation, "operation %q is not registered", name)
	}
	if e.compiled == nil {
		return nil
	}

	result := e.compiled.Validate(params)
	if !result.IsValid() {
		var details []string
		for field, verr := range result.Errors {
			details = append(details, fmt.Sprintf("%s: %s", field, verr.Message))
		}
		sort.Strings(details)
		return types.E(types.KindValidationFailed, "operation %q parameters invalid: %s", name, strings.Join(details, "; "))
	}
	return nil
}

// Execute validates and runs one operation. For reversible operations it
// issues an undo token; Rollback consumes the token to revert the effect.
func (r *Registry) Execute(ctx context.Context, op types.Operation) (payload map[string]interface{}, undoToken string, err error) {
	def, err := r.Get(op.Name)
	if err != nil {
		return nil, "", err
	}
	if err := r.ValidateParams(op.Name, op.Params); err != nil {
		return nil, "", err
	}

	timer := logging.StartTimer(logging.CategoryRegistry, "op."+op.Name)
	payload, undoParams, err := def.Handler(ctx, op.Params)
	timer.Stop()
	if err != nil {
		logging.Get(logging.CategoryRegistry).Error("operation %q failed: %v", op.Name, err)
		return nil, "", err
	}

	if def.Inverse != nil && undoParams != nil {
		undoToken = uuid.NewString()
		r.mu.Lock()
		r.sweepExpiredLocked()
		r.undo[undoToken] = undoRecord{opName: op.Name, params: undoParams, issuedAt: r.now()}
		r.mu.Unlock()
	}
	logging.RegistryDebug("operation %q applied (undo=%v)", op.Name, undoToken != "")
	return payload, undoToken, nil
}

// sweepExpiredLocked drops tokens older than the TTL. Caller holds the lock.
func (r *Registry) sweepExpiredLocked() {
	cutoff := r.now().Add(-undoTokenTTL)
	for token, rec := range r.undo {
		if rec.issuedAt.Before(cutoff) {
			delete(r.undo, token)
		}
	}
}

// Rollback reverts a previously applied operation by its undo token. Tokens
// are single-use and expire after undoTokenTTL.
func (r *Registry) Rollback(ctx context.Context, undoToken string) error {
	r.mu.Lock()
	rec, ok := r.undo[undoToken]
	if ok {
		delete(r.undo, undoToken)
		if rec.issuedAt.Before(r.now().Add(-undoTokenTTL)) {
			ok = false
		}
	}
	r.mu.Unlock()
	if !ok {
		return types.E(types.KindNotFound, "undo token %q is unknown or already used", undoToken)
	}

	def, err := r.Get(rec.opName)
	if err != nil {
		return err
	}
	if def.Inverse == nil {
		return types.E(types.KindInternal, "operation %q issued an undo token but has no inverse", rec.opName)
	}
	if err := def.Inverse(ctx, rec.params); err != nil {
		return fmt.Errorf("rollback of %q failed: %w", rec.opName, err)
	}
	logging.Registry("rolled back operation %q", rec.opName)
	return nil
}

// Catalog renders the model-facing documentation of every registered
// operation. The prompt is generated from the registry, so it can never
// drift from what is actually dispatchable.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, def := range r.List() {
		fmt.Fprintf(&b, "### %s\n%s\n", def.Name, def.Description)
		if def.RequiresConfirmation {
			b.WriteString("Requires explicit user confirmation before execution.\n")
		}
		writeParamsDoc(&b, def.ParamsSchema)
		b.WriteString("\n")
	}
	return b.String()
}

// writeParamsDoc renders the properties of a JSON Schema object as a
// parameter list.
func writeParamsDoc(b *strings.Builder, schema map[string]interface{}) {
	if schema == nil {
		return
	}
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) == 0 {
		b.WriteString("Parameters: none\n")
		return
	}

	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, name := range req {
			required[name] = true
		}
	case []interface{}:
		for _, name := range req {
			if s, ok := name.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString("Parameters:\n")
	for _, name := range names {
		prop, _ := props[name].(map[string]interface{})
		typ, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)
		marker := "optional"
		if required[name] {
			marker = "required"
		}
		fmt.Fprintf(b, "- %s (%s, %s): %s\n", name, typ, marker, desc)
	}
}
