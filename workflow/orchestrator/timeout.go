package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/failure"
)

// CheckTimeouts blocks every in-progress stage that ran past its deadline and
// waits for an operator to retry, extend or abort it. It returns the stages
// that timed out in this sweep.
func (o *Orchestrator) CheckTimeouts(ctx context.Context) ([]workflow.StageID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.state.IsClosed() || o.state.Escalated {
		return nil, nil
	}
	now := o.now()
	var expired []workflow.StageID
	for id, rec := range o.state.Stages {
		if failure.Expired(rec, now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	slices.Sort(expired)

	t := o.begin()
	for _, id := range expired {
		rec := t.s.Record(id)
		started := "unknown"
		if rec.StartedAt != nil {
			started = rec.StartedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		o.addIssue(t, id, workflow.SeverityHigh, workflow.ClassTimeoutExceeded,
			fmt.Sprintf("%s exceeded its deadline (started %s): retry, extend or abort", id, started))
		if err := halt(rec, workflow.StatusBlocked, workflow.CauseTimeout); err != nil {
			return nil, err
		}
		if err := o.arrive(t, id, workflow.StatusBlocked); err != nil {
			return nil, err
		}
		o.metrics.timedOut(id)
	}
	if err := o.commit(ctx, t); err != nil {
		return nil, err
	}
	o.logger.Warn("Stages timed out",
		"workflow_id", t.s.ID,
		"stages", expired)
	return expired, nil
}
