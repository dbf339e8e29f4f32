package workflow

import "strings"

// NATS subjects used between the orchestrator and its workers.
//
// Workers publish completion reports to semforge.report.<workflow_id> and
// receive invocations on semforge.invoke.<role>.
const (
	SubjectReportPrefix = "semforge.report"
	SubjectInvokePrefix = "semforge.invoke"
	SubjectReportAll    = SubjectReportPrefix + ".*"

	// HeaderWorkflowID carries the workflow id on invocation messages.
	HeaderWorkflowID = "Workflow-Id"
)

// ReportSubject returns the subject workers publish reports for a workflow to.
func ReportSubject(workflowID string) string {
	return SubjectReportPrefix + "." + workflowID
}

// InvokeSubject returns the subject a role listens on.
func InvokeSubject(role Role) string {
	return SubjectInvokePrefix + "." + string(role)
}

// WorkflowIDFromSubject extracts the workflow id from a report subject.
func WorkflowIDFromSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, SubjectReportPrefix+".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}
