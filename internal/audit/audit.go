// Package audit emits one event per applied write operation. Emission is
// best-effort: an unreachable sink is logged, never surfaced as an operation
// failure.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// Event records one write operation outcome.
type Event struct {
	OperationName string                 `json:"operation_name"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Status        types.OpStatus         `json:"status"`
	UndoToken     string                 `json:"undo_token,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Emitter delivers audit events to a sink.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
	Close() error
}

// =============================================================================
// NATS EMITTER
// =============================================================================

// NATSEmitter publishes events to a NATS subject.
type NATSEmitter struct {
	nc      *nats.Conn
	subject string
}

// NewNATSEmitter connects to NATS and returns an emitter for subject.
func NewNATSEmitter(url, subject string) (*NATSEmitter, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("smartquery-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryAudit).Info("audit emitter connected to %s (subject %s)", url, subject)
	return &NATSEmitter{nc: nc, subject: subject}, nil
}

func (e *NATSEmitter) Emit(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Get(logging.CategoryAudit).Error("failed to marshal audit event: %v", err)
		return
	}
	if err := e.nc.Publish(e.subject, data); err != nil {
		logging.Get(logging.CategoryAudit).Warn("audit publish failed: %v", err)
	}
}

func (e *NATSEmitter) Close() error {
	e.nc.Close()
	return nil
}

// =============================================================================
// FILE EMITTER
// =============================================================================

// FileEmitter appends events to a local JSON-lines file.
type FileEmitter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileEmitter opens (creating if needed) the audit log at path.
func NewFileEmitter(path string) (*FileEmitter, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileEmitter{file: f}, nil
}

func (e *FileEmitter) Emit(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Get(logging.CategoryAudit).Error("failed to marshal audit event: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.file.Write(append(data, '\n')); err != nil {
		logging.Get(logging.CategoryAudit).Warn("audit write failed: %v", err)
	}
}

func (e *FileEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}

// =============================================================================
// FAN-OUT & NOP
// =============================================================================

// Multi fans events out to several emitters.
type Multi struct {
	emitters []Emitter
}

func NewMulti(emitters ...Emitter) *Multi {
	return &Multi{emitters: emitters}
}

func (m *Multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m.emitters {
		e.Emit(ctx, ev)
	}
}

func (m *Multi) Close() error {
	var first error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop discards every event. Used when no sink is configured.
type Nop struct{}

func (Nop) Emit(ctx context.Context, ev Event) {}
func (Nop) Close() error                       { return nil }
