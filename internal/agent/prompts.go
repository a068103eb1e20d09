package agent

import (
	"fmt"
	"strings"
	"text/template"
)

// PromptData carries the fields available to prompt templates.
type PromptData struct {
	// ItemID identifies the workflow item.
	ItemID string

	// Title is the item title.
	Title string

	// Body is the item description.
	Body string

	// Plan is the serialized plan, for stages operating on one.
	Plan string

	// TaskID identifies the task being worked, if any.
	TaskID string

	// TaskDescription is the task's description.
	TaskDescription string

	// Branch is the working branch name.
	Branch string

	// BaseBranch is the integration branch.
	BaseBranch string

	// FailureOutput is test or review output for fix cycles.
	FailureOutput string

	// Attempt is the 1-based fix attempt counter.
	Attempt int
}

// Default prompt templates per request kind. Kept deliberately terse; the
// item body carries the real context.
var promptTemplates = map[Kind]string{
	KindPlan: `Produce an implementation plan for the following change request.
Break the work into tasks with explicit dependencies. Respond with JSON:
{"tasks":[{"task_id":"T1","description":"...","depends_on":[]}]}

Item #{{.ItemID}}: {{.Title}}

{{.Body}}`,

	KindPlanReview: `Review the following implementation plan for item #{{.ItemID}} ({{.Title}}).
Check for missing tasks, wrong dependency ordering, and scope creep.
Respond with "APPROVE" on the first line if the plan is sound, otherwise
"REVISE" followed by the issues found.

{{.Plan}}`,

	KindImplement: `Implement task {{.TaskID}} on branch {{.Branch}}.

{{.TaskDescription}}

The full plan for context:
{{.Plan}}

Commit your work to the branch when done.`,

	KindCodeReview: `Review the changes on branch {{.Branch}} against {{.BaseBranch}} for item #{{.ItemID}}.
Respond with "APPROVE" on the first line if the changes are correct and
complete, otherwise "REVISE" followed by the issues found.`,

	KindQA: `Run the test suite on branch {{.Branch}} and report results.
Respond with "PASS" on the first line if all tests pass, otherwise
"FAIL" followed by the failing output.`,

	KindFix: `Tests are failing on branch {{.Branch}} (fix attempt {{.Attempt}}).
Diagnose and fix the failures, then commit to the branch.

Failing output:
{{.FailureOutput}}`,

	KindResolveConflict: `Branch {{.Branch}} has merge conflicts against {{.BaseBranch}}.
Rebase the branch, resolve all conflicts preserving the intent of both
sides, and force-push the result.`,
}

// RenderPrompt renders the template for the given kind with the data.
func RenderPrompt(kind Kind, data *PromptData) (string, error) {
	text, ok := promptTemplates[kind]
	if !ok {
		return "", fmt.Errorf("no prompt template for kind %q", kind)
	}

	tmpl, err := template.New(string(kind)).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template %q: %w", kind, err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %q: %w", kind, err)
	}
	return sb.String(), nil
}
