package export

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"lessonplan/api/internal/history"
)

// ContentSource loads the live lesson plan of a document.
type ContentSource interface {
	Current(ctx context.Context, documentID string) (history.Content, error)
}

// VersionSource loads a lesson plan as of a history commit.
type VersionSource interface {
	At(documentID, hash string) (history.Content, history.Commit, error)
}

type Service struct {
	live     ContentSource
	versions VersionSource
	objects  ObjectStore
	log      zerolog.Logger

	pdf  func(ctx context.Context, html string) ([]byte, error)
	docx func(ctx context.Context, html string) ([]byte, error)
	now  func() time.Time
}

// NewService creates the exporter. objects may be nil, in which case results
// carry the rendered bytes.
func NewService(live ContentSource, versions VersionSource, objects ObjectStore, log zerolog.Logger) *Service {
	return &Service{
		live:     live,
		versions: versions,
		objects:  objects,
		log:      log.With().Str("component", "export").Logger(),
		pdf:      renderPDF,
		docx:     renderDOCX,
		now:      time.Now,
	}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	content, version, err := s.load(ctx, req)
	if err != nil {
		return nil, err
	}

	html, err := RenderDocumentHTML(buildTemplateData(content.Plan, content.Bloqs, req.Author, version))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename(content.Plan.Title)
	var result *Result
	switch req.Format {
	case FormatHTML, "":
		result = &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatPDF:
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		result = &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}
	case FormatDOCX:
		data, err := s.docx(ctx, html)
		if err != nil {
			return nil, err
		}
		result = &Result{
			Data:     data,
			Filename: base + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	if s.objects == nil {
		return result, nil
	}
	key := path.Join(req.DocumentID, fmt.Sprintf("%d-%s", s.now().Unix(), result.Filename))
	signed, expires, err := s.objects.Put(ctx, key, result.Data, result.MimeType, result.Filename)
	if err != nil {
		// Fall back to returning the bytes inline.
		s.log.Warn().Err(err).Str("document_id", req.DocumentID).Msg("export upload failed")
		return result, nil
	}
	result.URL = signed
	result.ExpiresAt = expires
	result.Data = nil
	return result, nil
}

func (s *Service) load(ctx context.Context, req Request) (history.Content, string, error) {
	if req.Version == "" || req.Version == "latest" {
		content, err := s.live.Current(ctx, req.DocumentID)
		if err != nil {
			return history.Content{}, "", fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
		return content, "", nil
	}
	content, commit, err := s.versions.At(req.DocumentID, req.Version)
	if err != nil {
		return history.Content{}, "", fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	return content, commit.Hash, nil
}
