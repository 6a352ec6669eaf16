package ingest

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Metadata keys written on every indexed chunk.
const (
	MetaKind        = "kind"
	MetaFormat      = "format"
	MetaTitle       = "title"
	MetaHost        = "host"
	MetaFingerprint = "fingerprint"
)

// Source kinds.
const (
	KindFile = "file"
	KindURL  = "url"
	KindText = "text"
)

// InferredMetadata is the best-effort description of a document derived
// from its source identifier, MIME type, and extracted text. Caller-supplied
// metadata takes precedence over inferred values.
type InferredMetadata struct {
	// Kind is where the document came from: file, url, or text.
	Kind string
	// Format is the extraction format: plain, markdown, or html.
	Format string
	// Title is a human-readable name for citations.
	Title string
	// Host is the URL host for url sources.
	Host string
}

// InferMetadata inspects the source identifier and extracted text. Sources
// that parse as http(s) URLs are url kind; sources with a path separator or
// a file extension are file kind; anything else is pasted text.
func InferMetadata(source, mimeType, text string) InferredMetadata {
	m := InferredMetadata{Kind: KindText, Format: formatOf(mimeType)}

	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		m.Kind = KindURL
		m.Host = strings.ToLower(u.Hostname())
		segments := trimSegments(u.Path)
		if len(segments) > 0 {
			m.Title = titleFromName(segments[len(segments)-1])
		} else {
			m.Title = m.Host
		}
	} else if strings.ContainsAny(source, `/\`) || filepath.Ext(source) != "" {
		m.Kind = KindFile
		m.Title = titleFromName(filepath.Base(source))
	} else {
		m.Title = source
	}

	if h := headingTitle(text, m.Format); h != "" {
		m.Title = h
	}
	return m
}

// Map renders the inferred values as chunk metadata, with extra taking
// precedence. Empty values are omitted.
func (m InferredMetadata) Map(extra map[string]string) map[string]string {
	out := make(map[string]string, 4+len(extra))
	for k, v := range map[string]string{MetaKind: m.Kind, MetaFormat: m.Format, MetaTitle: m.Title, MetaHost: m.Host} {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func formatOf(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "markdown"):
		return "markdown"
	case strings.Contains(mimeType, "html"):
		return "html"
	default:
		return "plain"
	}
}

// headingTitle returns the first level-one or level-two markdown heading.
func headingTitle(text, format string) string {
	if format != "markdown" {
		return ""
	}
	for _, line := range strings.SplitN(text, "\n", 50) {
		line = strings.TrimSpace(line)
		for _, prefix := range []string{"# ", "## "} {
			if strings.HasPrefix(line, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(line, prefix))
			}
		}
	}
	return ""
}

// titleFromName strips the extension and turns separators into spaces:
// "getting-started.md" becomes "getting started".
func titleFromName(name string) string {
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.TrimSpace(name)
}

// trimSegments splits a URL path into non-empty segments.
func trimSegments(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
