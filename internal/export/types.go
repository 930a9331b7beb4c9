// Package export renders a lesson plan to HTML, PDF, or DOCX and optionally
// stores the artifact in object storage.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case FormatHTML, FormatPDF, FormatDOCX:
		return Format(value), nil
	case "":
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request names the document and, optionally, a history commit to export.
// An empty Version exports the live room.
type Request struct {
	DocumentID string
	Version    string
	Format     Format
	Author     string
}

// Result carries the rendered bytes, or a presigned URL when the artifact was
// uploaded.
type Result struct {
	Data      []byte    `json:"-"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrContentUnavailable indicates the lesson plan could not be loaded for export.
	ErrContentUnavailable    = errors.New("export content unavailable")
	ErrPDFDependencyMissing  = errors.New("export pdf dependency missing")
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
