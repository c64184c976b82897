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

var sheetTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"join":  strings.Join,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/sheet.html")
	if err != nil {
		// Fallback to built-in template if file not found
		sheetTemplate = template.Must(template.New("sheet").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	sheetTemplate = template.Must(template.New("sheet").Funcs(funcMap).Parse(string(templateContent)))
}

// RenderSheetHTML renders the chord sheet template with provided data
func RenderSheetHTML(data SheetData) (string, error) {
	var buf bytes.Buffer
	if err := sheetTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.SongTitle}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    pre.chords { font-family: "Courier New", monospace; white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1>{{.SongTitle}}</h1>
  {{if .Artist}}<p>{{.Artist}}</p>{{end}}
  <div class="meta">{{.ArrangementName}}{{if .Key}} | Key of {{.Key}}{{end}}{{if .Tempo}} | {{.Tempo}} bpm{{end}}</div>
  <pre class="chords">{{.ChordContent}}</pre>
  {{if .Copyright}}<div class="meta">{{.Copyright}}</div>{{end}}
</body>
</html>`
