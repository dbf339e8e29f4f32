package workfloworchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/semforge/workflow"
)

// NATSInvoker publishes invocations to <prefix>.<role>. Delivery is
// fire-and-forget; workers answer with a completion report.
type NATSInvoker struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSInvoker creates an invoker publishing on nc.
func NewNATSInvoker(nc *nats.Conn, prefix string) *NATSInvoker {
	if prefix == "" {
		prefix = workflow.SubjectInvokePrefix
	}
	return &NATSInvoker{nc: nc, prefix: prefix}
}

// Subject returns the subject a role's invocations are published to.
func (i *NATSInvoker) Subject(role workflow.Role) string {
	return i.prefix + "." + string(role)
}

// Invoke publishes inv with the workflow id as a header.
func (i *NATSInvoker) Invoke(ctx context.Context, inv workflow.Invocation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	msg := nats.NewMsg(i.Subject(inv.Role))
	msg.Header.Set(workflow.HeaderWorkflowID, inv.WorkflowID)
	msg.Data = data
	if err := i.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	return nil
}
