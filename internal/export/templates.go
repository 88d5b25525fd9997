package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var chartTemplate = template.Must(template.New("chart").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(chartTemplateHTML))

// TemplateData holds data for chart template rendering
type TemplateData struct {
	PatientName   string
	BirthDate     string
	ClinicianName string
	CRPNumber     string
	GeneratedAt   time.Time
	Entries       []TemplateEntry
}

// TemplateEntry is one session record in the printout.
type TemplateEntry struct {
	SessionDate time.Time
	Title       string
	Status      string
	Revision    int
	ContentHTML template.HTML
}

// RenderChartHTML renders the chart template with provided data
func RenderChartHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := chartTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// contentToHTML converts plain-text record content into paragraphs.
// Record content is stored as plain text; blank lines separate paragraphs.
func contentToHTML(content string) template.HTML {
	var b strings.Builder
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			if i > 0 {
				b.WriteString("<br>")
			}
			b.WriteString(template.HTMLEscapeString(line))
		}
		b.WriteString("</p>\n")
	}
	return template.HTML(b.String())
}

const chartTemplateHTML = `<!DOCTYPE html>
<html lang="pt-BR">
<head>
  <meta charset="UTF-8">
  <title>Prontuário — {{.PatientName}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 720px; margin: 2rem auto; color: #1a1a1a; }
    h1 { font-size: 1.4rem; border-bottom: 2px solid #2a7d5f; padding-bottom: 0.5rem; }
    .meta { color: #555; font-size: 0.85em; margin-bottom: 2rem; }
    .entry { margin: 1.5rem 0; padding-bottom: 1rem; border-bottom: 1px solid #ddd; page-break-inside: avoid; }
    .entry h2 { font-size: 1.1rem; margin-bottom: 0.25rem; }
    .entry .date { color: #555; font-size: 0.85em; margin-bottom: 0.75rem; }
    .entry .draft { color: #a15c00; font-size: 0.8em; text-transform: uppercase; }
    footer { margin-top: 3rem; color: #555; font-size: 0.8em; border-top: 1px solid #ddd; padding-top: 0.5rem; }
  </style>
</head>
<body>
  <h1>Prontuário Psicológico</h1>
  <div class="meta">
    Paciente: {{.PatientName}}{{if .BirthDate}} · Nascimento: {{.BirthDate}}{{end}}
  </div>
  {{range .Entries}}
  <div class="entry">
    <h2>{{if .Title}}{{.Title}}{{else}}Sessão{{end}}{{if eq .Status "draft"}} <span class="draft">rascunho</span>{{end}}</h2>
    <div class="date">{{formatDate .SessionDate "02/01/2006"}} · revisão {{.Revision}}</div>
    <div>{{.ContentHTML}}</div>
  </div>
  {{end}}
  <footer>
    {{.ClinicianName}}{{if .CRPNumber}} · CRP {{.CRPNumber}}{{end}} · gerado em {{formatDate .GeneratedAt "02/01/2006 15:04"}}
  </footer>
</body>
</html>`
