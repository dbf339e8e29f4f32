package workflow

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Handoff renders a markdown document that lets an operator pick up a
// workflow: status, stage progress, outstanding gates, blocking issues,
// artifacts, the interaction log and resume instructions.
func Handoff(s *State, g *Graph, now time.Time) string {
	var b strings.Builder

	b.WriteString("# Workflow Handoff Document\n\n")
	fmt.Fprintf(&b, "**Generated**: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "**Workflow ID**: %s\n", orNA(s.ID))
	fmt.Fprintf(&b, "**Product Name**: %s\n\n---\n\n", orNA(s.ProductName))

	overall := "active"
	if s.IsClosed() {
		overall = string(s.CurrentStage)
	} else if s.CurrentStage == StagePaused {
		overall = "paused"
	}
	b.WriteString("## Current Status\n\n| Field | Value |\n|-------|-------|\n")
	fmt.Fprintf(&b, "| Project Type | %s |\n", orNA(s.ProjectType))
	fmt.Fprintf(&b, "| Execution Mode | %s |\n", orNA(string(s.Mode)))
	fmt.Fprintf(&b, "| Current Stage | %s |\n", orNA(string(s.CurrentStage)))
	if s.CurrentStage == StagePaused && s.ActiveStage != "" {
		fmt.Fprintf(&b, "| Resumes At | %s |\n", s.ActiveStage)
	}
	fmt.Fprintf(&b, "| Overall Status | %s |\n", overall)
	if s.Escalated {
		b.WriteString("| Escalated | yes (manual state edit required) |\n")
	}

	b.WriteString("\n---\n\n## Stage Progress\n\n")
	b.WriteString("| Stage | Status | Role | Attempt | Output Artifact |\n")
	b.WriteString("|-------|--------|------|---------|-----------------|\n")
	for _, def := range g.Stages() {
		status := "not_applicable"
		attempt := 0
		if rec := s.Record(def.ID); rec != nil {
			status = string(rec.Status)
			if rec.Hold != HoldNone {
				status += " (" + string(rec.Hold) + ")"
			}
			attempt = rec.Attempt
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %d | `%s` |\n", def.ID, status, def.Role, attempt, path.Base(def.Artifact))
	}

	b.WriteString("\n---\n\n## Outstanding Gates\n\n### Human Approval Gates\n\n")
	b.WriteString("| Gate | Stage | Status | Required Action |\n|------|-------|--------|-----------------|\n")
	gates := 0
	for _, def := range g.Stages() {
		rec := s.Record(def.ID)
		if rec == nil {
			continue
		}
		switch rec.Hold {
		case HoldApproval:
			fmt.Fprintf(&b, "| %s_approval | %s | Awaiting | Review and approve %s output |\n", def.ID, def.ID, def.ID)
			gates++
		case HoldMediation:
			fmt.Fprintf(&b, "| %s_mediation | %s | Awaiting | Resolve blocked review of %s |\n", def.ID, def.ID, def.ID)
			gates++
		case HoldDecision:
			fmt.Fprintf(&b, "| %s_decision | %s | Awaiting | Retry, extend or abort (%s) |\n", def.ID, def.ID, rec.Cause)
			gates++
		}
	}
	if gates == 0 {
		b.WriteString("| (none) | - | - | - |\n")
	}

	risk := "not assessed"
	if s.RiskLevel != nil {
		risk = string(*s.RiskLevel)
	}
	b.WriteString("\n### Safety/Governance Gates\n\n| Gate | Status | Risk Level |\n|------|--------|------------|\n")
	fmt.Fprintf(&b, "| Safety Review | %s | %s |\n", reviewGateStatus(s.Record(StageSafetyReview)), risk)
	fmt.Fprintf(&b, "| Governance Review | %s | - |\n", reviewGateStatus(s.Record(StageGovernanceReview)))
	if len(s.ReviewQueue) > 0 {
		fmt.Fprintf(&b, "\nQueued reviews: %s\n", joinStages(s.ReviewQueue))
	}

	b.WriteString("\n---\n\n## Blocking Issues\n\n")
	open := s.OpenIssues()
	if len(open) == 0 {
		b.WriteString("*No blocking issues*\n")
	}
	for i, issue := range open {
		fmt.Fprintf(&b, "### Issue %d: %s\n\n", i+1, issue.Description)
		fmt.Fprintf(&b, "- **ID**: %s\n", issue.ID)
		fmt.Fprintf(&b, "- **Severity**: %s\n", issue.Severity)
		fmt.Fprintf(&b, "- **Source**: %s\n", issue.SourceStage)
		if issue.Class != "" {
			fmt.Fprintf(&b, "- **Class**: %s\n", issue.Class)
		}
		fmt.Fprintf(&b, "- **Resolution Required**: %t\n\n", issue.ResolutionRequired)
	}

	b.WriteString("\n---\n\n## Key Artifacts to Review\n\n### Completed Artifacts\n\n")
	completed := 0
	for _, def := range g.Stages() {
		rec := s.Record(def.ID)
		if rec == nil {
			continue
		}
		for _, a := range rec.Artifacts {
			fmt.Fprintf(&b, "- `%s` - Output from %s stage\n", a.Key, def.ID)
			completed++
		}
	}
	if completed == 0 {
		b.WriteString("*No completed artifacts yet*\n")
	}

	b.WriteString("\n### Pending Artifacts\n\n")
	pending := 0
	for _, def := range g.Stages() {
		rec := s.Record(def.ID)
		if rec == nil || def.Phase == PhaseReview {
			continue
		}
		if rec.Status == StatusPending || rec.Status == StatusInProgress {
			fmt.Fprintf(&b, "- `%s` - Awaiting %s\n", def.Artifact, def.Role)
			pending++
		}
	}
	if pending == 0 {
		b.WriteString("*No pending artifacts*\n")
	}

	b.WriteString("\n---\n\n## Human Interaction Log\n\n")
	b.WriteString("| Timestamp | Stage | Interaction Type | Details |\n|-----------|-------|------------------|---------|\n")
	if len(s.HumanInteractions) == 0 {
		b.WriteString("| (none) | - | - | - |\n")
	}
	for _, h := range s.HumanInteractions {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", h.Timestamp.Format(time.RFC3339), h.Stage, h.Type, escapeCell(h.Details))
	}

	b.WriteString("\n---\n\n## Resume Instructions\n\n")
	b.WriteString("1. **Load workflow state**: `GET /workflows/" + s.ID + "`\n")
	fmt.Fprintf(&b, "2. **Review current stage**: Check the %s stage status\n", orNA(string(s.CurrentStage)))
	b.WriteString("3. **Check blocking issues**: Resolve issues listed above with a `resolve` decision\n")
	b.WriteString("4. **Decide pending gates**: Submit `approve`, `reject` or `feedback` for approval gates\n")
	b.WriteString("5. **Recover halted stages**: Submit `retry`, `extend` or `abort` for stages awaiting a decision\n")
	if s.Escalated {
		b.WriteString("6. **Escalated**: Edit the workflow state document manually, then reload the workflow\n")
	}

	fmt.Fprintf(&b, "\n---\n\n**Last Updated**: %s\n", s.UpdatedAt.Format(time.RFC3339))
	return b.String()
}

func orNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

func escapeCell(v string) string {
	return strings.ReplaceAll(strings.ReplaceAll(v, "|", "\\|"), "\n", " ")
}

func joinStages(ids []StageID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func reviewGateStatus(rec *StageRecord) string {
	if rec == nil {
		return "pending"
	}
	status := string(rec.Status)
	if rec.Subject != "" && rec.Status == StatusInProgress {
		status += " (" + string(rec.Subject) + ")"
	}
	return status
}
