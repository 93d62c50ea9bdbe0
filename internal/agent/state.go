package agent

import (
	"sync"
	"time"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
)

// PollState is the coordinator's position in the poll cycle.
type PollState string

// Poll states. Success and Failed are passed through on the way back to
// Idle; Outcome keeps the last of them.
const (
	StateIdle    PollState = "idle"
	StatePolling PollState = "polling"
	StateSuccess PollState = "success"
	StateFailed  PollState = "failed"
	StateStopped PollState = "stopped"
)

var allStates = []PollState{StateIdle, StatePolling, StateSuccess, StateFailed, StateStopped}

// StateMachine tracks the poll cycle state and mirrors it into the
// pve_agent_state gauge.
type StateMachine struct {
	mu          sync.RWMutex
	state       PollState
	stateReason string
	outcome     PollState
	changedAt   time.Time
	clock       agenterrors.Clock
	metrics     *observability.Metrics
}

// NewStateMachine creates a StateMachine starting in StateIdle.
func NewStateMachine(clock agenterrors.Clock, metrics *observability.Metrics) *StateMachine {
	if clock == nil {
		clock = agenterrors.RealClock{}
	}
	sm := &StateMachine{
		state:     StateIdle,
		changedAt: clock.Now(),
		clock:     clock,
		metrics:   metrics,
	}
	sm.publish(StateIdle)
	return sm
}

// State returns the current state.
func (sm *StateMachine) State() PollState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// StateReason returns the human-readable reason for the current state.
func (sm *StateMachine) StateReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stateReason
}

// Outcome returns the result of the last finished poll, or "" before any.
func (sm *StateMachine) Outcome() PollState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.outcome
}

// ChangedAt returns when the state last changed.
func (sm *StateMachine) ChangedAt() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.changedAt
}

// TransitionTo sets the state. Stopped is terminal: later transitions are
// ignored.
func (sm *StateMachine) TransitionTo(state PollState, reason string) {
	sm.mu.Lock()
	if sm.state == StateStopped {
		sm.mu.Unlock()
		return
	}
	sm.state = state
	sm.stateReason = reason
	sm.changedAt = sm.clock.Now()
	if state == StateSuccess || state == StateFailed {
		sm.outcome = state
	}
	sm.mu.Unlock()

	sm.publish(state)
}

// Finish records a poll outcome and returns to Idle.
func (sm *StateMachine) Finish(outcome PollState, reason string) {
	sm.TransitionTo(outcome, reason)
	sm.TransitionTo(StateIdle, reason)
}

func (sm *StateMachine) publish(state PollState) {
	if sm.metrics == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sm.metrics.AgentState.WithLabelValues(string(s)).Set(v)
	}
}
