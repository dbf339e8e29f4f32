// Package barrier implements the join point of a parallel cohort: the
// workflow advances past a cohort only when every member reached a terminal
// status and none of them failed or blocked.
package barrier

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/c360studio/semforge/workflow"
)

var (
	// ErrCohortActive is returned when a cohort is entered twice.
	ErrCohortActive = errors.New("cohort already active")
	// ErrNotMember is returned for arrivals from stages outside any active cohort.
	ErrNotMember = errors.New("stage is not an active cohort member")
	// ErrNotTerminal is returned for arrivals with a non-terminal status.
	ErrNotTerminal = errors.New("arrival status is not terminal")
)

type cohort struct {
	id       workflow.CohortID
	members  []workflow.StageID
	arrivals map[workflow.StageID]workflow.StageStatus
}

// Barrier tracks the arrivals of active cohorts.
type Barrier struct {
	mu       sync.Mutex
	cohorts  map[workflow.CohortID]*cohort
	memberOf map[workflow.StageID]workflow.CohortID
}

// New creates an empty barrier.
func New() *Barrier {
	return &Barrier{
		cohorts:  make(map[workflow.CohortID]*cohort),
		memberOf: make(map[workflow.StageID]workflow.CohortID),
	}
}

// IsArrival reports whether status counts as a cohort member arrival.
func IsArrival(status workflow.StageStatus) bool {
	switch status {
	case workflow.StatusCompleted, workflow.StatusCompletedWithWarnings,
		workflow.StatusFailed, workflow.StatusBlocked:
		return true
	default:
		return false
	}
}

// EnterCohort registers the members dispatched for a cohort.
func (b *Barrier) EnterCohort(id workflow.CohortID, members []workflow.StageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cohorts[id]; ok {
		return fmt.Errorf("%w: %s", ErrCohortActive, id)
	}
	if len(members) == 0 {
		return fmt.Errorf("enter cohort %s: no members", id)
	}
	for _, m := range members {
		if other, ok := b.memberOf[m]; ok {
			return fmt.Errorf("enter cohort %s: %s already belongs to %s", id, m, other)
		}
	}
	c := &cohort{
		id:       id,
		members:  slices.Clone(members),
		arrivals: make(map[workflow.StageID]workflow.StageStatus, len(members)),
	}
	b.cohorts[id] = c
	for _, m := range members {
		b.memberOf[m] = id
	}
	return nil
}

// RecordArrival records a member's terminal status and returns its cohort.
// Recording the same member again replaces its previous arrival.
func (b *Barrier) RecordArrival(stage workflow.StageID, status workflow.StageStatus) (workflow.CohortID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.memberOf[stage]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotMember, stage)
	}
	if !IsArrival(status) {
		return "", fmt.Errorf("%w: %s is %s", ErrNotTerminal, stage, status)
	}
	b.cohorts[id].arrivals[stage] = status
	return id, nil
}

// IsCohortSatisfied reports whether every member has arrived.
func (b *Barrier) IsCohortSatisfied(id workflow.CohortID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cohorts[id]
	if !ok {
		return false
	}
	return len(c.arrivals) == len(c.members)
}

// CanRelease reports whether the cohort is satisfied and every member succeeded.
func (b *Barrier) CanRelease(id workflow.CohortID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cohorts[id]
	if !ok || len(c.arrivals) != len(c.members) {
		return false
	}
	for _, st := range c.arrivals {
		if !st.IsSuccess() {
			return false
		}
	}
	return true
}

// Failed returns the members that arrived failed or blocked, in member order.
func (b *Barrier) Failed(id workflow.CohortID) []workflow.StageID {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cohorts[id]
	if !ok {
		return nil
	}
	var out []workflow.StageID
	for _, m := range c.members {
		if st, arrived := c.arrivals[m]; arrived && !st.IsSuccess() {
			out = append(out, m)
		}
	}
	return out
}

// Pending returns the members that have not arrived yet.
func (b *Barrier) Pending(id workflow.CohortID) []workflow.StageID {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cohorts[id]
	if !ok {
		return nil
	}
	var out []workflow.StageID
	for _, m := range c.members {
		if _, arrived := c.arrivals[m]; !arrived {
			out = append(out, m)
		}
	}
	return out
}

// Members returns the members of an active cohort.
func (b *Barrier) Members(id workflow.CohortID) []workflow.StageID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.cohorts[id]; ok {
		return slices.Clone(c.members)
	}
	return nil
}

// Active reports whether stage belongs to an active cohort.
func (b *Barrier) Active(stage workflow.StageID) (workflow.CohortID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.memberOf[stage]
	return id, ok
}

// Reset clears a member's arrival so it can run again.
func (b *Barrier) Reset(stage workflow.StageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.memberOf[stage]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, stage)
	}
	delete(b.cohorts[id].arrivals, stage)
	return nil
}

// Release drops a cohort once the workflow moved past it.
func (b *Barrier) Release(id workflow.CohortID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cohorts[id]
	if !ok {
		return
	}
	for _, m := range c.members {
		delete(b.memberOf, m)
	}
	delete(b.cohorts, id)
}

// Restore rebuilds the barrier from a persisted workflow state.
func Restore(s *workflow.State) *Barrier {
	b := New()
	if s == nil || s.Cohort == nil {
		return b
	}
	if err := b.EnterCohort(s.Cohort.ID, s.Cohort.Members); err != nil {
		return b
	}
	for _, m := range s.Cohort.Members {
		rec := s.Record(m)
		if rec == nil || !IsArrival(rec.Status) {
			continue
		}
		_, _ = b.RecordArrival(m, rec.Status)
	}
	return b
}
