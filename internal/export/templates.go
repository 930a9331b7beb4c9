package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"lessonplan/api/internal/room"
)

var kindLabels = map[room.BloqKind]string{
	room.KindText:       "Notes",
	room.KindObjective:  "Objective",
	room.KindActivity:   "Activity",
	room.KindAssessment: "Assessment",
	room.KindResource:   "Resource",
	room.KindReflection: "Reflection",
}

var documentTemplate = template.Must(template.New("lessonplan").Funcs(template.FuncMap{
	"kindClass": func(k room.BloqKind) string { return "bloq-" + strings.ToLower(string(k)) },
}).Parse(documentLayout))

type TemplateData struct {
	Title       string
	Description string
	Author      string
	UpdatedAt   time.Time
	Version     string
	Sections    []TemplateSection
}

type TemplateSection struct {
	Kind        room.BloqKind
	Label       string
	Title       string
	ContentHTML template.HTML
}

func buildTemplateData(plan room.LessonPlan, bloqs []room.Bloq, author, version string) TemplateData {
	data := TemplateData{
		Title:       plan.Title,
		Description: plan.Description,
		Author:      author,
		UpdatedAt:   plan.UpdatedAt,
		Version:     version,
		Sections:    make([]TemplateSection, 0, len(bloqs)),
	}
	for _, b := range bloqs {
		label := kindLabels[b.Type]
		if label == "" {
			label = string(b.Type)
		}
		data.Sections = append(data.Sections, TemplateSection{
			Kind:  b.Type,
			Label: label,
			Title: b.Title,
			// ContentToHTML escapes all text it emits.
			ContentHTML: template.HTML(ContentToHTML(b.Content)),
		})
	}
	return data
}

func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentLayout = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 780px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.4rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    section { margin: 1.5rem 0; padding-left: 0.8rem; border-left: 4px solid #ccc; }
    .label { text-transform: uppercase; font-size: 0.75em; letter-spacing: 0.08em; color: #555; }
    .bloq-objective { border-color: #2b7a78; }
    .bloq-activity { border-color: #d08c2e; }
    .bloq-assessment { border-color: #b23a48; }
    .bloq-reflection { border-color: #5a4fcf; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">{{if .Author}}{{.Author}} | {{end}}{{if not .UpdatedAt.IsZero}}{{.UpdatedAt.Format "Jan 2, 2006"}}{{end}}{{if .Version}} | version {{.Version}}{{end}}</div>
  {{range .Sections}}
  <section class="{{kindClass .Kind}}">
    <div class="label">{{.Label}}</div>
    {{if .Title}}<h2>{{.Title}}</h2>{{end}}
    {{.ContentHTML}}
  </section>
  {{end}}
</body>
</html>`
