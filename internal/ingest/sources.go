package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
)

// ReadFile loads the file at path as a Document. The MIME type comes from
// the extension.
func (p *Pipeline) ReadFile(path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, fmt.Errorf("ingest: %w", err)
	}
	if info.Size() > p.cfg.MaxDocumentBytes {
		return Document{}, fmt.Errorf("ingest: %s: %d bytes exceeds limit of %d", path, info.Size(), p.cfg.MaxDocumentBytes)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("ingest: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Document{Source: abs, Content: body, MIMEType: MIMEForPath(path)}, nil
}

// CollectFiles expands paths into the supported files they name. Directories
// are walked recursively; hidden directories are skipped. Explicitly named
// files are returned even when unsupported so the caller sees the rejection.
func CollectFiles(paths []string) ([]string, error) {
	var out []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		if !info.IsDir() {
			out = append(out, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && len(d.Name()) > 1 && d.Name()[0] == '.' {
					return filepath.SkipDir
				}
				return nil
			}
			if Supported(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ingest: walk %s: %w", root, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// IngestFiles reads and ingests every file in paths. Unreadable files are
// reported as failed outcomes.
func (p *Pipeline) IngestFiles(ctx context.Context, paths ...string) Report {
	docs := make([]Document, 0, len(paths))
	var unreadable []Outcome
	for _, path := range paths {
		doc, err := p.ReadFile(path)
		if err != nil {
			unreadable = append(unreadable, Outcome{Source: path, Status: StatusFailed, Err: err})
			continue
		}
		docs = append(docs, doc)
	}
	rep := p.Ingest(ctx, docs...)
	return p.mergeFailures(rep, unreadable)
}

// FetchURL downloads rawURL as a Document. The MIME type comes from the
// Content-Type header.
func (p *Pipeline) FetchURL(ctx context.Context, rawURL string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("ingest: creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/html, text/plain, text/markdown")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("ingest: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("ingest: unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxDocumentBytes+1))
	if err != nil {
		return Document{}, fmt.Errorf("ingest: reading body: %w", err)
	}
	if int64(len(body)) > p.cfg.MaxDocumentBytes {
		return Document{}, fmt.Errorf("ingest: %s: body exceeds limit of %d bytes", rawURL, p.cfg.MaxDocumentBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(body)
	}
	return Document{Source: rawURL, Content: body, MIMEType: mimeType}, nil
}

// IngestURLs fetches and ingests every URL. Fetch failures are reported as
// failed outcomes.
func (p *Pipeline) IngestURLs(ctx context.Context, urls ...string) Report {
	docs := make([]Document, 0, len(urls))
	var unreachable []Outcome
	for _, u := range urls {
		doc, err := p.FetchURL(ctx, u)
		if err != nil {
			unreachable = append(unreachable, Outcome{Source: u, Status: StatusFailed, Err: err})
			continue
		}
		docs = append(docs, doc)
	}
	rep := p.Ingest(ctx, docs...)
	return p.mergeFailures(rep, unreachable)
}

// mergeFailures adds documents that failed before reaching Ingest.
func (p *Pipeline) mergeFailures(rep Report, failed []Outcome) Report {
	if len(failed) == 0 {
		return rep
	}
	errs := []error{rep.Err}
	for _, o := range failed {
		rep.Documents = append(rep.Documents, o)
		errs = append(errs, o.Err)
		p.metrics.IngestOutcome(string(o.Status), 0)
		if p.progress != nil {
			p.progress(o)
		}
	}
	rep.Err = errors.Join(errs...)
	return rep
}
