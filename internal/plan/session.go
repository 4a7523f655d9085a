// Package plan implements plan sessions: multi-step writes that are proposed,
// streamed to the caller, confirmed, executed strictly in order, and rolled
// back in reverse order when execution fails or is cancelled.
package plan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// Session is one plan in flight. All mutation goes through its run goroutine;
// accessors take the mutex and never block on the caller.
type Session struct {
	mu sync.Mutex

	id         string
	state      types.SessionState
	steps      []*types.PlanStep
	manifest   *types.Manifest
	lastActive time.Time

	// Bounded event log. Events keep monotonically increasing IDs starting
	// at 1; when the buffer overflows the oldest entries are dropped and
	// reattaching past the gap degrades to the terminal summary.
	events      []types.Event
	nextEventID uint64
	bufferSize  int
	truncated   bool

	subscribers map[int]chan types.Event
	nextSubID   int

	confirmCh chan struct{}
	cancelCh  chan struct{}
	cancelled bool
	doneCh    chan struct{}

	// ctx covers the building phase's model call so Cancel can abort it
	// immediately; execution deliberately does not use it, the running step
	// always completes.
	ctx       context.Context
	ctxCancel context.CancelFunc
}

func newSession(id string, bufferSize int) *Session {
	ctx, ctxCancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		state:       types.SessionCreated,
		nextEventID: 1,
		bufferSize:  bufferSize,
		subscribers: make(map[int]chan types.Event),
		confirmCh:   make(chan struct{}, 1),
		cancelCh:    make(chan struct{}),
		doneCh:      make(chan struct{}),
		lastActive:  time.Now(),
		ctx:         ctx,
		ctxCancel:   ctxCancel,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Steps returns a copy of the plan's steps.
func (s *Session) Steps() []types.PlanStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PlanStep, len(s.steps))
	for i, step := range s.steps {
		out[i] = *step
	}
	return out
}

// Manifest returns the terminal summary, or nil while the session runs.
func (s *Session) Manifest() *types.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Confirm releases an awaiting plan for execution. Confirming any other state
// is an error; confirming twice is idempotent.
func (s *Session) Confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.SessionAwaitingConfirmation {
		return types.E(types.KindValidationFailed, "session %s is %s, not awaiting confirmation", s.id, s.state)
	}
	s.lastActive = time.Now()
	select {
	case s.confirmCh <- struct{}{}:
	default:
	}
	return nil
}

// Cancel requests termination. Before execution the plan is discarded; during
// execution the running step finishes, then applied steps are rolled back.
// Cancelling a terminal session is a no-op.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil
	}
	s.lastActive = time.Now()
	if !s.cancelled {
		s.cancelled = true
		close(s.cancelCh)
		s.ctxCancel()
	}
	return nil
}

func (s *Session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Session) setState(state types.SessionState) {
	s.mu.Lock()
	s.state = state
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// =============================================================================
// EVENT LOG
// =============================================================================

// emit appends one event and fans it out. A subscriber whose channel is full
// is disconnected; it can reattach with its last seen event ID.
func (s *Session) emit(evType types.EventType, step *types.PlanStep, manifest *types.Manifest) {
	s.mu.Lock()

	ev := types.Event{
		ID:        s.nextEventID,
		SessionID: s.id,
		Type:      evType,
		Timestamp: time.Now().UTC(),
	}
	s.nextEventID++
	if step != nil {
		copied := *step
		ev.Step = &copied
	}
	if manifest != nil {
		copied := *manifest
		ev.Manifest = &copied
	}

	s.events = append(s.events, ev)
	if len(s.events) > s.bufferSize {
		s.events = s.events[len(s.events)-s.bufferSize:]
		s.truncated = true
	}

	var dropped []int
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		close(s.subscribers[id])
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	logging.SessionDebug("session %s event %d: %s", s.id, ev.ID, evType)
}

// Attach subscribes to the event stream, replaying buffered events with IDs
// greater than sinceEventID first. Replay is idempotent: attaching twice with
// the same cursor yields the same events. If the requested range was dropped
// from the buffer, the replay degrades to the latest state marked Truncated.
// The returned cancel function must be called to release the subscription.
func (s *Session) Attach(sinceEventID uint64) (replay []types.Event, live <-chan types.Event, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := uint64(0)
	if len(s.events) > 0 {
		oldest = s.events[0].ID
	}

	if s.truncated && sinceEventID+1 < oldest {
		// The gap is unrecoverable; hand back the newest event as a summary.
		if n := len(s.events); n > 0 {
			summary := s.events[n-1]
			summary.Truncated = true
			replay = []types.Event{summary}
		}
	} else {
		for _, ev := range s.events {
			if ev.ID > sinceEventID {
				replay = append(replay, ev)
			}
		}
	}

	if s.state.Terminal() {
		// No more events will come; a closed channel ends the stream.
		ch := make(chan types.Event)
		close(ch)
		return replay, ch, func() {}
	}

	ch := make(chan types.Event, s.bufferSize)
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			close(sub)
			delete(s.subscribers, id)
		}
	}
	return replay, ch, cancel
}

// finish records the terminal state, emits the manifest, and wakes waiters.
func (s *Session) finish(state types.SessionState, manifest types.Manifest) {
	s.mu.Lock()
	s.state = state
	s.manifest = &manifest
	s.lastActive = time.Now()
	s.mu.Unlock()

	s.emit(types.EventSessionTerminal, nil, &manifest)

	s.mu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	s.ctxCancel()
	close(s.doneCh)

	logging.Session("session %s terminal: %s (%s)", s.id, state, manifest.Outcome)
}

// stepLabel names a step in manifests.
func stepLabel(step *types.PlanStep) string {
	return fmt.Sprintf("%d:%s", step.Index, step.Operation.Name)
}
