package plan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// Proposer turns an instruction into operations and executes them one at a
// time. The write interpreter satisfies this.
type Proposer interface {
	Propose(ctx context.Context, instruction string) ([]types.Operation, error)
	ExecuteOne(ctx context.Context, op types.Operation, sessionID string) types.ExecutionResult
}

// Reverser rolls an applied operation back by its undo token. The operations
// registry satisfies this.
type Reverser interface {
	Rollback(ctx context.Context, undoToken string) error
}

// Options tune the session layer.
type Options struct {
	EventBufferSize int           // per-session replay buffer, events
	IdleTimeout     time.Duration // unconfirmed or finished sessions older than this are reaped
}

// Manager owns every live session. One goroutine per session drives its
// lifecycle; a reaper drops terminal and unconfirmed-idle sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	proposer Proposer
	reverser Reverser
	opts     Options

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewManager starts the session layer.
func NewManager(proposer Proposer, reverser Reverser, opts Options) *Manager {
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = 256
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	m := &Manager{
		sessions:   make(map[string]*Session),
		proposer:   proposer,
		reverser:   reverser,
		opts:       opts,
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.reap()
	return m
}

// Close stops the reaper and cancels every live session.
func (m *Manager) Close() {
	close(m.stopReaper)
	<-m.reaperDone

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Cancel()
		<-s.Done()
	}
}

// Start creates a session and begins proposing steps in the background. The
// session streams step_proposed events as the plan builds.
func (m *Manager) Start(instruction string) *Session {
	s := newSession(uuid.NewString(), m.opts.EventBufferSize)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	logging.Session("session %s started", s.id)
	go m.run(s, instruction)
	return s
}

// Get looks a live session up by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "session %q does not exist", id)
	}
	return s, nil
}

// Confirm releases an awaiting session for execution.
func (m *Manager) Confirm(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Confirm()
}

// Cancel terminates a session, rolling back applied steps if it is executing.
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Cancel()
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// run drives one session from proposal to a terminal state. The session owns
// its own context so it survives the HTTP request that created it; Cancel
// aborts that context, which stops an in-flight model call mid-proposal.
func (m *Manager) run(s *Session, instruction string) {
	s.setState(types.SessionBuilding)
	ops, err := m.proposer.Propose(s.ctx, instruction)
	if err != nil {
		if s.isCancelled() {
			s.finish(types.SessionAborted, types.Manifest{Outcome: "cancelled", Reason: "cancelled while building"})
			return
		}
		s.finish(types.SessionAborted, types.Manifest{Outcome: "failed", Reason: err.Error()})
		return
	}

	s.mu.Lock()
	for i, op := range ops {
		s.steps = append(s.steps, &types.PlanStep{Index: i, Operation: op, Status: types.StepPending})
	}
	steps := s.steps
	s.mu.Unlock()

	for _, step := range steps {
		s.emit(types.EventStepProposed, step, nil)
	}
	s.setState(types.SessionAwaitingConfirmation)
	s.emit(types.EventPlanReady, nil, nil)

	select {
	case <-s.confirmCh:
	case <-s.cancelCh:
		s.finish(types.SessionAborted, types.Manifest{Outcome: "cancelled", Reason: "cancelled before execution"})
		return
	case <-time.After(m.opts.IdleTimeout):
		s.finish(types.SessionAborted, types.Manifest{Outcome: "cancelled", Reason: "confirmation timed out"})
		return
	}

	s.setState(types.SessionExecuting)
	// Execution gets a fresh context: the running step must complete even
	// when a cancellation lands, so only the between-step check applies.
	m.execute(context.Background(), s)
}

// execute runs steps strictly in order. Cancellation is honored between
// steps; the running step always completes. On failure or cancellation the
// applied steps are rolled back newest first.
func (m *Manager) execute(ctx context.Context, s *Session) {
	var applied []*types.PlanStep
	outcome := "completed"
	reason := ""

	for _, step := range s.steps {
		if s.isCancelled() {
			outcome = "cancelled"
			reason = "cancelled during execution"
			break
		}

		s.updateStep(step, types.StepRunning, nil)
		s.emit(types.EventStepStatusChanged, step, nil)

		result := m.proposer.ExecuteOne(ctx, step.Operation, s.id)
		if result.Status == types.OpFailed {
			s.updateStep(step, types.StepFailed, &result)
			s.emit(types.EventStepStatusChanged, step, nil)
			outcome = "failed"
			if result.Error != nil {
				reason = result.Error.Message
			}
			break
		}

		s.updateStep(step, types.StepDone, &result)
		s.emit(types.EventStepStatusChanged, step, nil)
		applied = append(applied, step)
	}

	manifest := types.Manifest{Outcome: outcome, Reason: reason}
	if outcome == "completed" {
		for _, step := range applied {
			manifest.Applied = append(manifest.Applied, stepLabel(step))
		}
		s.finish(types.SessionCompleted, manifest)
		return
	}

	m.rollback(ctx, s, applied, &manifest)
	s.finish(types.SessionAborted, manifest)
}

// rollback reverts applied steps in reverse order. A step without an undo
// token, or whose inverse fails, stays applied and is listed as irreversible.
func (m *Manager) rollback(ctx context.Context, s *Session, applied []*types.PlanStep, manifest *types.Manifest) {
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		token := ""
		if step.Result != nil {
			token = step.Result.UndoToken
		}

		if token == "" {
			manifest.Applied = append(manifest.Applied, stepLabel(step))
			manifest.Irreversible = append(manifest.Irreversible, stepLabel(step))
			continue
		}
		if err := m.reverser.Rollback(ctx, token); err != nil {
			logging.Get(logging.CategorySession).Error("session %s: rollback of %s failed: %v", s.id, stepLabel(step), err)
			manifest.Applied = append(manifest.Applied, stepLabel(step))
			manifest.Irreversible = append(manifest.Irreversible, stepLabel(step))
			continue
		}

		s.updateStep(step, types.StepRolledBack, step.Result)
		s.emit(types.EventRolledBack, step, nil)
		manifest.RolledBack = append(manifest.RolledBack, stepLabel(step))
	}
}

// updateStep mutates a step under the session lock.
func (s *Session) updateStep(step *types.PlanStep, status types.StepStatus, result *types.ExecutionResult) {
	s.mu.Lock()
	step.Status = status
	if result != nil {
		step.Result = result
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// reap drops sessions that are terminal or idle past the timeout.
func (m *Manager) reap() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopReaper:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	cutoff := time.Now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		expired := s.state.Terminal() && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			logging.SessionDebug("session %s reaped", id)
		}
	}
}
