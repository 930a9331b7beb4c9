package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonplan/api/internal/history"
	"lessonplan/api/internal/room"
)

type fakeLive struct {
	content history.Content
	err     error
}

func (f fakeLive) Current(context.Context, string) (history.Content, error) {
	return f.content, f.err
}

type fakeVersions struct {
	byHash map[string]history.Content
}

func (f fakeVersions) At(_ string, hash string) (history.Content, history.Commit, error) {
	c, ok := f.byHash[hash]
	if !ok {
		return history.Content{}, history.Commit{}, history.ErrNoHistory
	}
	return c, history.Commit{Hash: hash}, nil
}

type fakeObjects struct {
	putFn func(key string, data []byte, contentType, filename string) (string, time.Time, error)
}

func (f fakeObjects) Put(_ context.Context, key string, data []byte, contentType, filename string) (string, time.Time, error) {
	return f.putFn(key, data, contentType, filename)
}

func samplePlan() history.Content {
	return history.Content{
		Plan: room.LessonPlan{Title: "Fractions <Day 1>", Description: "Halves and quarters"},
		Bloqs: []room.Bloq{
			{ID: "b1", Type: room.KindObjective, Title: "Goal", Order: 0, Content: "Compare fractions"},
			{ID: "b2", Type: room.KindActivity, Order: 1, Content: `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Pizza","marks":[{"type":"bold"}]}]}]}`},
		},
	}
}

func TestContentToHTMLPlainText(t *testing.T) {
	out := ContentToHTML("first line\n\n<b>second</b>")
	assert.Equal(t, "<p>first line</p>\n<p>&lt;b&gt;second&lt;/b&gt;</p>\n", out)
	assert.Empty(t, ContentToHTML("   "))
}

func TestContentToHTMLProseMirror(t *testing.T) {
	doc := `{"type":"doc","content":[
		{"type":"heading","attrs":{"level":3},"content":[{"type":"text","text":"Warm up"}]},
		{"type":"bulletList","content":[{"type":"listItem","content":[{"type":"paragraph","content":[
			{"type":"text","text":"read","marks":[{"type":"bold"},{"type":"italic"}]}]}]}]},
		{"type":"paragraph","content":[{"type":"text","text":"x","marks":[{"type":"link","attrs":{"href":"javascript:alert(1)"}}]}]}
	]}`
	out := ContentToHTML(doc)
	assert.Contains(t, out, "<h3>Warm up</h3>")
	assert.Contains(t, out, "<li><p><strong><em>read</em></strong></p>\n</li>")
	assert.Contains(t, out, `<a href="">x</a>`)
}

func TestContentToHTMLInvalidJSONFallsBackToText(t *testing.T) {
	assert.Equal(t, "<p>{not json</p>\n", ContentToHTML("{not json"))
}

func TestRenderDocumentHTML(t *testing.T) {
	c := samplePlan()
	out, err := RenderDocumentHTML(buildTemplateData(c.Plan, c.Bloqs, "Ada", "abc123"))
	require.NoError(t, err)

	assert.Contains(t, out, "<h1>Fractions &lt;Day 1&gt;</h1>")
	assert.Contains(t, out, `class="bloq-objective"`)
	assert.Contains(t, out, "Objective")
	assert.Contains(t, out, "<strong>Pizza</strong>")
	assert.Contains(t, out, "version abc123")
	assert.Less(t, strings.Index(out, "Goal"), strings.Index(out, "Pizza"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	f, err = ParseFormat("docx")
	require.NoError(t, err)
	assert.Equal(t, FormatDOCX, f)

	_, err = ParseFormat("rtf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Fractions-Day-1", sanitizeFilename("Fractions <Day 1>"))
	assert.Equal(t, "lesson-plan", sanitizeFilename("***"))
	assert.Len(t, sanitizeFilename(strings.Repeat("a", 80)), 50)
}

func TestEncodeDataURL(t *testing.T) {
	assert.Equal(t, "a%20b%3C%2F%3E", encodeDataURL("a b</>"))
}

func TestExportHTMLInline(t *testing.T) {
	s := NewService(fakeLive{content: samplePlan()}, fakeVersions{}, nil, zerolog.Nop())

	res, err := s.Export(t.Context(), Request{DocumentID: "doc_1", Format: FormatHTML})
	require.NoError(t, err)
	assert.Equal(t, "Fractions-Day-1.html", res.Filename)
	assert.Contains(t, string(res.Data), "Compare fractions")
	assert.Empty(t, res.URL)
}

func TestExportVersionUsesHistory(t *testing.T) {
	old := samplePlan()
	old.Plan.Title = "Old title"
	s := NewService(fakeLive{err: room.ErrNotReady}, fakeVersions{byHash: map[string]history.Content{"h1": old}}, nil, zerolog.Nop())

	res, err := s.Export(t.Context(), Request{DocumentID: "doc_1", Version: "h1", Format: FormatHTML})
	require.NoError(t, err)
	assert.Contains(t, string(res.Data), "Old title")

	_, err = s.Export(t.Context(), Request{DocumentID: "doc_1", Version: "missing"})
	assert.ErrorIs(t, err, ErrContentUnavailable)

	_, err = s.Export(t.Context(), Request{DocumentID: "doc_1"})
	assert.ErrorIs(t, err, ErrContentUnavailable)
}

func TestExportPDFUploads(t *testing.T) {
	expires := time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)
	var gotKey, gotType string
	objects := fakeObjects{putFn: func(key string, data []byte, contentType, filename string) (string, time.Time, error) {
		gotKey, gotType = key, contentType
		assert.Equal(t, []byte("%PDF"), data)
		assert.Equal(t, "Fractions-Day-1.pdf", filename)
		return "https://minio.local/signed", expires, nil
	}}
	s := NewService(fakeLive{content: samplePlan()}, fakeVersions{}, objects, zerolog.Nop())
	s.pdf = func(_ context.Context, html string) ([]byte, error) {
		assert.Contains(t, html, "<h1>")
		return []byte("%PDF"), nil
	}
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := s.Export(t.Context(), Request{DocumentID: "doc_1", Format: FormatPDF})
	require.NoError(t, err)
	assert.Equal(t, "doc_1/1700000000-Fractions-Day-1.pdf", gotKey)
	assert.Equal(t, "application/pdf", gotType)
	assert.Equal(t, "https://minio.local/signed", res.URL)
	assert.Equal(t, expires, res.ExpiresAt)
	assert.Nil(t, res.Data)
}

func TestExportUploadFailureReturnsBytes(t *testing.T) {
	objects := fakeObjects{putFn: func(string, []byte, string, string) (string, time.Time, error) {
		return "", time.Time{}, errors.New("bucket offline")
	}}
	s := NewService(fakeLive{content: samplePlan()}, fakeVersions{}, objects, zerolog.Nop())

	res, err := s.Export(t.Context(), Request{DocumentID: "doc_1", Format: FormatHTML})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Data)
	assert.Empty(t, res.URL)
}

func TestExportDependencyMissing(t *testing.T) {
	s := NewService(fakeLive{content: samplePlan()}, fakeVersions{}, nil, zerolog.Nop())
	s.docx = func(context.Context, string) ([]byte, error) { return nil, ErrDOCXDependencyMissing }

	_, err := s.Export(t.Context(), Request{DocumentID: "doc_1", Format: FormatDOCX})
	assert.ErrorIs(t, err, ErrDOCXDependencyMissing)

	_, err = s.Export(t.Context(), Request{DocumentID: "doc_1", Format: "rtf"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
