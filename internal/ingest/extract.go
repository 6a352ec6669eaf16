package ingest

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// MIME types accepted for ingestion.
const (
	MIMEPlain    = "text/plain"
	MIMEMarkdown = "text/markdown"
	MIMEHTML     = "text/html"
)

// TextExtractor turns raw document bytes into indexable text.
type TextExtractor interface {
	Extract(raw []byte) (string, error)
}

// PlainExtractor passes plain text and markdown through unchanged apart from
// line ending normalisation.
type PlainExtractor struct{}

// Extract implements TextExtractor.
func (PlainExtractor) Extract(raw []byte) (string, error) {
	return strings.ReplaceAll(string(raw), "\r\n", "\n"), nil
}

// HTMLExtractor drops markup, scripts and styles and keeps visible text.
// Block-level elements become paragraph breaks so the chunker can cut on them.
type HTMLExtractor struct{}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "head": true, "svg": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true, "header": true,
	"footer": true, "li": true, "ul": true, "ol": true, "table": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"pre": true, "blockquote": true, "br": true, "hr": true,
}

// Extract implements TextExtractor.
func (HTMLExtractor) Extract(raw []byte) (string, error) {
	z := html.NewTokenizer(strings.NewReader(string(raw)))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidy(b.String()), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if blockElements[tag] {
				b.WriteString("\n\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] && skip > 0 {
				skip--
				continue
			}
			if blockElements[tag] {
				b.WriteString("\n\n")
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// tidy collapses runs of spaces inside lines and runs of blank lines into a
// single paragraph break.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, l)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// ExtractorFor returns the extractor for a MIME type. Parameters such as
// charset are ignored. Unknown types fail with rag.ErrUnsupportedFormat.
func ExtractorFor(mimeType string) (TextExtractor, error) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch mt {
	case MIMEPlain, MIMEMarkdown, "text/x-markdown":
		return PlainExtractor{}, nil
	case MIMEHTML, "application/xhtml+xml":
		return HTMLExtractor{}, nil
	}
	return nil, fmt.Errorf("ingest: %q: %w", mimeType, rag.ErrUnsupportedFormat)
}

var extensionTypes = map[string]string{
	".txt":      MIMEPlain,
	".text":     MIMEPlain,
	".log":      MIMEPlain,
	".md":       MIMEMarkdown,
	".markdown": MIMEMarkdown,
	".html":     MIMEHTML,
	".htm":      MIMEHTML,
}

// MIMEForPath maps a file name to its MIME type, or "" when the extension
// is not recognised.
func MIMEForPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return ""
}

// Supported reports whether files at path can be ingested.
func Supported(path string) bool {
	_, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}
