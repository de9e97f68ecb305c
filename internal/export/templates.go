package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for assessment report rendering
type TemplateData struct {
	Title         string
	DocType       string
	SiteName      string
	SiteAddress   string
	VersionNumber int
	IssueStatus   string
	AssessorName  string
	Standards     string
	Jurisdiction  string
	ScopeNotes    string
	GeneratedAt   time.Time
	Modules       []TemplateModule
	Actions       []TemplateAction
}

// TemplateModule is one assessment section in the report
type TemplateModule struct {
	Key       string
	Outcome   string
	Notes     string
	Completed bool
}

// TemplateAction is one remedial action row in the report
type TemplateAction struct {
	Title        string
	Detail       string
	Status       string
	PriorityBand string
	TargetDate   string
	ModuleKey    string
}

// RenderReportHTML renders the assessment report template
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .module { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    table { width: 100%; border-collapse: collapse; }
    th, td { border: 1px solid #ccc; padding: 0.4rem; text-align: left; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.DocType}} | Version {{.VersionNumber}} ({{.IssueStatus}}) | {{.SiteName}} | Assessor: {{.AssessorName}} | Generated {{.GeneratedAt.Format "Jan 2, 2006"}}</div>
  {{if .ScopeNotes}}<p>{{.ScopeNotes}}</p>{{end}}
  {{range .Modules}}
  <div class="module">
    <h3>{{.Key}}</h3>
    {{if .Outcome}}<p>Outcome: {{.Outcome}}</p>{{end}}
    {{if .Notes}}<p>{{.Notes}}</p>{{end}}
  </div>
  {{end}}
  {{if .Actions}}
  <h2>Remedial Actions</h2>
  <table>
    <tr><th>Action</th><th>Status</th><th>Priority</th><th>Target</th><th>Module</th></tr>
    {{range .Actions}}<tr><td>{{.Title}}</td><td>{{.Status}}</td><td>{{.PriorityBand}}</td><td>{{.TargetDate}}</td><td>{{.ModuleKey}}</td></tr>{{end}}
  </table>
  {{end}}
</body>
</html>`
