package plan

import (
	"bytes"
	"strings"
	"text/template"
)

var summaryTemplate = template.Must(template.New("summary").Funcs(template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
	"yesno": func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	},
}).Parse(`# Plan: {{.Objective}}

- **ID:** {{.ID}}
- **Status:** {{.Status}}
- **Created:** {{.CreatedAt.Format "2006-01-02 15:04:05 MST"}}
{{- if .ParentID}}
- **Revises:** {{.ParentID}}
{{- end}}
- **Estimated duration:** {{.EstimatedDurationSeconds}}s

## Risk

- **Highest:** {{.RiskSummary.Highest}}
- **Approvals required:** {{.RiskSummary.ApprovalsRequired}}

## Steps ({{len .Steps}} total)
{{range $i, $s := .Steps}}
### {{inc $i}}. {{$s.ID}}{{if $s.Description}}: {{$s.Description}}{{end}}

- **Tool:** {{$s.ToolName}}
- **Risk:** {{$s.RiskLevel}}
- **Requires approval:** {{yesno $s.RequiresApproval}}
- **Timeout:** {{$s.TimeoutSeconds}}s
{{- if $s.Dependencies}}
- **Depends on:** {{join $s.Dependencies ", "}}
{{- end}}
{{- if $s.RollbackAction}}
- **Rollback:** {{$s.RollbackAction.ToolName}}
{{- end}}
{{end}}`))

// Summary renders a human-readable Markdown description of p.
func Summary(p *Plan) (string, error) {
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}
