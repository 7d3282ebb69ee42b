package template

// DefaultTemplate is the embedded default prompt template.
// It uses {{variable}} placeholders for dynamic content injection.
const DefaultTemplate = `# taskloop Iteration
Task: #{{task_id}} {{title}} | Iteration: {{iteration}} of {{max}}

## Description
{{spec}}

## Acceptance Criteria
{{acceptance}}

{{notes}}

## Rules
- Work on THIS task only - complete it fully, then STOP
- Test changes before finishing
- All acceptance criteria must hold before you stop
- Do not close the task yourself; the loop verifies gates and commits
- If taskloop tools are available (MCP port {{port}}), use task_current to re-read the task

## If Stuck
- Describe what blocks you in your final output
- Leave the work tree in a clean, buildable state
{{extra}}`
