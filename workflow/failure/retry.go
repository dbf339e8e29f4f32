package failure

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RetryState tracks schema validation attempts for one workflow stage.
type RetryState struct {
	WorkflowID  string    `json:"workflow_id"`
	Stage       string    `json:"stage"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	LastAttempt time.Time `json:"last_attempt"`
	LastErrors  []string  `json:"last_errors,omitempty"`
}

// RetryTracker counts consecutive validation failures per workflow stage.
// Counters live outside the workflow state so a rejected report leaves the
// state untouched.
type RetryTracker struct {
	maxAttempts int
	clock       func() time.Time
	states      map[string]*RetryState // key: workflow:stage
	mu          sync.RWMutex
}

// NewRetryTracker creates a tracker allowing maxAttempts failures per stage.
func NewRetryTracker(maxAttempts int) *RetryTracker {
	return &RetryTracker{
		maxAttempts: maxAttempts,
		clock:       time.Now,
		states:      make(map[string]*RetryState),
	}
}

func stateKey(workflowID, stage string) string {
	return fmt.Sprintf("%s:%s", workflowID, stage)
}

// RecordFailure records a failed attempt and returns the attempt count.
func (m *RetryTracker) RecordFailure(workflowID, stage string, errs []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stateKey(workflowID, stage)
	state, exists := m.states[key]
	if !exists {
		state = &RetryState{
			WorkflowID: workflowID,
			Stage:      stage,
			CreatedAt:  m.clock(),
		}
		m.states[key] = state
	}
	state.Attempts++
	state.LastAttempt = m.clock()
	state.LastErrors = append([]string(nil), errs...)
	return state.Attempts
}

// Exhausted reports whether the stage used up its validation attempts.
func (m *RetryTracker) Exhausted(workflowID, stage string) bool {
	return m.Attempts(workflowID, stage) >= m.maxAttempts
}

// Attempts returns the current failure count.
func (m *RetryTracker) Attempts(workflowID, stage string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, exists := m.states[stateKey(workflowID, stage)]; exists {
		return state.Attempts
	}
	return 0
}

// Clear resets the counter for a workflow stage (on success or operator retry).
func (m *RetryTracker) Clear(workflowID, stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, stateKey(workflowID, stage))
}

// ClearWorkflow clears every counter of a workflow.
func (m *RetryTracker) ClearWorkflow(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := workflowID + ":"
	for key := range m.states {
		if strings.HasPrefix(key, prefix) {
			delete(m.states, key)
		}
	}
}

// MaxAttempts returns the number of failures allowed before exhaustion.
func (m *RetryTracker) MaxAttempts() int {
	return m.maxAttempts
}
