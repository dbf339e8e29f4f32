package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// NewState initializes a workflow for the given graph and resolved policy.
// Every graph stage gets a record; skipped stages are marked skipped.
func NewState(id, productName, projectType string, mode Mode, g *Graph, res *Resolution, now time.Time) *State {
	if id == "" {
		id = uuid.New().String()
	}
	s := &State{
		ID:                id,
		ProductName:       productName,
		ProjectType:       projectType,
		Mode:              mode,
		CurrentStage:      g.First(),
		ActiveStage:       g.First(),
		Stages:            make(map[StageID]*StageRecord),
		BlockingIssues:    []BlockingIssue{},
		HumanInteractions: []HumanInteraction{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, def := range g.Stages() {
		rec := &StageRecord{
			Stage:  def.ID,
			Role:   def.Role,
			Status: StatusPending,
		}
		if res != nil {
			rec.HumanApprovalRequired = res.HumanApproval[def.ID]
			if res.Skipped[def.ID] {
				rec.Status = StatusSkipped
			}
		}
		s.Stages[def.ID] = rec
	}
	return s
}

// Record returns the record of a stage or nil.
func (s *State) Record(id StageID) *StageRecord {
	return s.Stages[id]
}

// IsSkipped reports whether the execution mode excluded a stage.
func (s *State) IsSkipped(id StageID) bool {
	rec := s.Stages[id]
	return rec != nil && rec.Status == StatusSkipped
}

// AddIssue appends a blocking issue, links it to its source stage and returns its id.
func (s *State) AddIssue(issue BlockingIssue) string {
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	s.BlockingIssues = append(s.BlockingIssues, issue)
	if rec := s.Stages[issue.SourceStage]; rec != nil {
		rec.BlockingIssues = append(rec.BlockingIssues, issue.ID)
	}
	return issue.ID
}

// ResolveIssue marks an issue resolved. Issues are never removed.
func (s *State) ResolveIssue(id, resolution string, now time.Time) error {
	for i := range s.BlockingIssues {
		issue := &s.BlockingIssues[i]
		if issue.ID != id {
			continue
		}
		if issue.Resolved {
			return fmt.Errorf("%w: issue %s is already resolved", ErrInvalidDecision, id)
		}
		at := now
		issue.Resolved = true
		issue.ResolvedAt = &at
		issue.Resolution = resolution
		return nil
	}
	return fmt.Errorf("%w: no blocking issue %s", ErrInvalidDecision, id)
}

// ResolveStageIssues resolves every open issue raised by a stage.
func (s *State) ResolveStageIssues(stage StageID, resolution string, now time.Time) int {
	n := 0
	for i := range s.BlockingIssues {
		issue := &s.BlockingIssues[i]
		if issue.SourceStage != stage || issue.Resolved {
			continue
		}
		at := now
		issue.Resolved = true
		issue.ResolvedAt = &at
		issue.Resolution = resolution
		n++
	}
	return n
}

// OpenIssues returns the unresolved blocking issues.
func (s *State) OpenIssues() []BlockingIssue {
	var out []BlockingIssue
	for _, issue := range s.BlockingIssues {
		if !issue.Resolved {
			out = append(out, issue)
		}
	}
	return out
}

// Interact appends an entry to the human interaction log.
func (s *State) Interact(stage StageID, typ InteractionType, details, actor string, now time.Time) {
	s.HumanInteractions = append(s.HumanInteractions, HumanInteraction{
		Timestamp: now,
		Stage:     stage,
		Type:      typ,
		Details:   details,
		Actor:     actor,
	})
}

// PendingApprovals returns stages waiting on a human approval decision.
func (s *State) PendingApprovals() []StageID {
	var out []StageID
	for _, id := range s.sortedStageIDs() {
		if s.Stages[id].Hold == HoldApproval {
			out = append(out, id)
		}
	}
	return out
}

// AwaitingHuman returns stages whose hold only an operator can release.
func (s *State) AwaitingHuman() []StageID {
	var out []StageID
	for _, id := range s.sortedStageIDs() {
		if s.Stages[id].Hold.NeedsHuman() {
			out = append(out, id)
		}
	}
	return out
}

// IsClosed reports whether the workflow reached completed or failed.
func (s *State) IsClosed() bool {
	return s.CurrentStage == StageCompleted || s.CurrentStage == StageFailed
}

// CheckHalt verifies that a paused or failed workflow carries a reason: an
// unresolved blocking issue or a pending approval request.
func (s *State) CheckHalt() error {
	if s.CurrentStage != StagePaused && s.CurrentStage != StageFailed {
		return nil
	}
	if len(s.OpenIssues()) > 0 || len(s.PendingApprovals()) > 0 {
		return nil
	}
	return fmt.Errorf("%w: workflow %s at %s", ErrHaltWithoutReason, s.ID, s.CurrentStage)
}

// Reconcile derives CurrentStage from the stage holds. Closed workflows are
// left untouched.
func (s *State) Reconcile() {
	if s.IsClosed() {
		return
	}
	if s.Escalated || len(s.AwaitingHuman()) > 0 {
		s.CurrentStage = StagePaused
		return
	}
	s.CurrentStage = s.ActiveStage
}

func (s *State) sortedStageIDs() []StageID {
	ids := make([]StageID, 0, len(s.Stages))
	for id := range s.Stages {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Stages = make(map[StageID]*StageRecord, len(s.Stages))
	for id, rec := range s.Stages {
		c.Stages[id] = rec.Clone()
	}
	c.BlockingIssues = make([]BlockingIssue, len(s.BlockingIssues))
	for i, issue := range s.BlockingIssues {
		c.BlockingIssues[i] = issue
		c.BlockingIssues[i].ResolvedAt = cloneTime(issue.ResolvedAt)
	}
	c.HumanInteractions = slices.Clone(s.HumanInteractions)
	if c.HumanInteractions == nil {
		c.HumanInteractions = []HumanInteraction{}
	}
	if s.RiskLevel != nil {
		r := *s.RiskLevel
		c.RiskLevel = &r
	}
	if s.Cohort != nil {
		cohort := *s.Cohort
		cohort.Members = slices.Clone(s.Cohort.Members)
		c.Cohort = &cohort
	}
	c.ReviewQueue = slices.Clone(s.ReviewQueue)
	return &c
}

// Clone returns a deep copy of the record.
func (r *StageRecord) Clone() *StageRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Artifacts = slices.Clone(r.Artifacts)
	c.Warnings = slices.Clone(r.Warnings)
	c.BlockingIssues = slices.Clone(r.BlockingIssues)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.Deadline = cloneTime(r.Deadline)
	c.PendingReport = r.PendingReport.Clone()
	if r.Review != nil {
		review := *r.Review
		review.PassedBy = slices.Clone(r.Review.PassedBy)
		review.CompletedAt = cloneTime(r.Review.CompletedAt)
		review.Findings = slices.Clone(r.Review.Findings)
		review.Conditions = slices.Clone(r.Review.Conditions)
		c.Review = &review
	}
	return &c
}

// Clone returns a deep copy of the report.
func (r *CompletionReport) Clone() *CompletionReport {
	if r == nil {
		return nil
	}
	c := *r
	c.Artifacts = slices.Clone(r.Artifacts)
	c.BlockingIssues = slices.Clone(r.BlockingIssues)
	c.NextRoleHint = slices.Clone(r.NextRoleHint)
	c.Warnings = slices.Clone(r.Warnings)
	return &c
}

// AddArtifacts appends refs that are not yet recorded, keeping order.
func (r *StageRecord) AddArtifacts(refs ...ArtifactRef) {
	for _, ref := range refs {
		if !slices.ContainsFunc(r.Artifacts, func(a ArtifactRef) bool { return a.Key == ref.Key }) {
			r.Artifacts = append(r.Artifacts, ref)
		}
	}
}

// Start marks the record in progress with a fresh start time and deadline.
func (r *StageRecord) Start(now time.Time, timeout time.Duration) {
	started := now
	r.Status = StatusInProgress
	r.StartedAt = &started
	r.CompletedAt = nil
	r.Attempt++
	r.Hold = HoldNone
	r.Cause = CauseNone
	r.PendingReport = nil
	r.Review = nil
	r.HumanApprovalReceived = false
	if timeout > 0 {
		deadline := now.Add(timeout)
		r.Deadline = &deadline
	} else {
		r.Deadline = nil
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
