package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/54b3r/ragstream-go/internal/audit"
	"github.com/54b3r/ragstream-go/internal/chat"
	"github.com/54b3r/ragstream-go/internal/ingest"
	"github.com/54b3r/ragstream-go/internal/logging"
)

// maxSearchTopK bounds the top_k query parameter of GET /api/search.
const maxSearchTopK = 50

// multipartMemory is the in-memory part of a parsed upload; larger files
// spill to temporary files.
const multipartMemory = 8 << 20

// outcomeView is one document of an ingestion report as returned to clients.
type outcomeView struct {
	ingest.Outcome
	Error string `json:"error,omitempty"`
}

// reportResponse is the JSON body of the ingestion endpoints.
type reportResponse struct {
	Ingested  int           `json:"ingested"`
	Skipped   int           `json:"skipped"`
	Chunks    int           `json:"chunks"`
	Documents []outcomeView `json:"documents"`
}

// handleSearch handles GET /api/search?q=<query>&top_k=<n>&threshold=<f>.
// It runs retrieval alone and returns the ranked chunks.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeJSONError(w, r, "q is required", http.StatusBadRequest)
		return
	}

	topK := s.cfg.TopK
	if v := q.Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxSearchTopK {
			writeJSONError(w, r, fmt.Sprintf("top_k must be between 1 and %d", maxSearchTopK), http.StatusBadRequest)
			return
		}
		topK = n
	}
	threshold := s.cfg.ScoreThreshold
	if v := q.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f < 0 || f > 1 {
			writeJSONError(w, r, "threshold must be within [0,1]", http.StatusBadRequest)
			return
		}
		threshold = float32(f)
	}

	results, err := s.search.Retrieve(r.Context(), query, topK, threshold)
	if err != nil {
		logging.FromContext(r.Context()).Warn("search failed", slog.Any("error", err))
		writeJSONError(w, r, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, r, http.StatusOK, searchResponse{Query: query, Results: chat.Sources(results)})
}

// handleListDocuments handles GET /api/documents.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"documents": s.knowledge.Documents()})
}

// formatMIME maps the text endpoint's format names to extractor mime types.
var formatMIME = map[string]string{
	"":         ingest.MIMEPlain,
	"plain":    ingest.MIMEPlain,
	"text":     ingest.MIMEPlain,
	"markdown": ingest.MIMEMarkdown,
	"md":       ingest.MIMEMarkdown,
	"html":     ingest.MIMEHTML,
}

// handleIngestText handles POST /api/documents/text. The title doubles as
// the document source, so posting the same title again replaces it.
func (s *Server) handleIngestText(w http.ResponseWriter, r *http.Request) {
	var req textDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, r, "text is required", http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeJSONError(w, r, "title is required", http.StatusBadRequest)
		return
	}
	mt, ok := formatMIME[strings.ToLower(req.Format)]
	if !ok {
		writeJSONError(w, r, fmt.Sprintf("unknown format %q", req.Format), http.StatusBadRequest)
		return
	}

	rep := s.knowledge.Ingest(r.Context(), ingest.Document{
		Source:   title,
		Content:  []byte(req.Text),
		MIMEType: mt,
		Metadata: req.Metadata,
	})
	s.writeReport(w, r, rep)
}

// handleUpload handles POST /api/documents/upload with one or more
// multipart "file" parts. Each file is ingested independently; a rejected
// file does not affect the others.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, r, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(w, r, "invalid multipart body", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeJSONError(w, r, "at least one file part is required", http.StatusBadRequest)
		return
	}

	docs := make([]ingest.Document, 0, len(files))
	for _, fh := range files {
		doc, err := uploadedDocument(fh)
		if err != nil {
			writeJSONError(w, r, err.Error(), http.StatusBadRequest)
			return
		}
		docs = append(docs, doc)
	}
	s.writeReport(w, r, s.knowledge.Ingest(r.Context(), docs...))
}

// uploadedDocument reads one multipart file. The mime type comes from the
// file extension, falling back to the part's Content-Type.
func uploadedDocument(fh *multipart.FileHeader) (ingest.Document, error) {
	f, err := fh.Open()
	if err != nil {
		return ingest.Document{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return ingest.Document{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	mt := ingest.MIMEForPath(fh.Filename)
	if !ingest.Supported(fh.Filename) {
		if ct := fh.Header.Get("Content-Type"); ct != "" {
			mt = ct
		}
	}
	return ingest.Document{Source: fh.Filename, Content: data, MIMEType: mt}, nil
}

// writeReport renders an ingestion report. The status is 200 when at least
// one document was ingested or skipped, otherwise the status of the failure.
func (s *Server) writeReport(w http.ResponseWriter, r *http.Request, rep ingest.Report) {
	out := reportResponse{
		Ingested:  rep.Ingested,
		Skipped:   rep.Skipped,
		Chunks:    rep.Chunks,
		Documents: make([]outcomeView, len(rep.Documents)),
	}
	for i, o := range rep.Documents {
		out.Documents[i] = outcomeView{Outcome: o}
		if o.Err != nil {
			out.Documents[i].Error = o.Err.Error()
		}
	}
	if rep.Ingested > 0 {
		s.persist(r)
	}

	status := http.StatusOK
	if rep.Err != nil && rep.Ingested+rep.Skipped == 0 {
		status = statusFor(rep.Err)
	}
	writeJSON(w, r, status, out)
}

// handleDeleteDocument handles DELETE /api/documents?source=<source>.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		writeJSONError(w, r, "source is required", http.StatusBadRequest)
		return
	}
	n, err := s.knowledge.DeleteDocument(r.Context(), source)
	if err != nil {
		writeJSONError(w, r, err.Error(), statusFor(err))
		return
	}
	audit.LogMutation(r.Context(), logging.FromContext(r.Context()), "document.delete", source, clientIP(r), n)
	s.persist(r)
	writeJSON(w, r, http.StatusOK, deleteDocumentResponse{Source: source, ChunksRemoved: n})
}

// handleKnowledgeBaseInfo handles GET /api/knowledge-base/info.
func (s *Server) handleKnowledgeBaseInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, knowledgeBaseInfo{
		Info:      s.knowledge.Info(),
		IndexPath: s.cfg.IndexPath,
		Model:     s.chat.Model(),
	})
}

// handleClearKnowledgeBase handles DELETE /api/knowledge-base.
func (s *Server) handleClearKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	before := s.knowledge.Info().Chunks
	if err := s.knowledge.Clear(r.Context()); err != nil {
		writeJSONError(w, r, err.Error(), statusFor(err))
		return
	}
	audit.LogMutation(r.Context(), logging.FromContext(r.Context()), "knowledge_base.clear", "", clientIP(r), before)
	s.persist(r)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		writeJSONError(w, r, err.Error(), statusFor(err))
		return
	}
	audit.LogMutation(r.Context(), logging.FromContext(r.Context()), "session.delete", id, clientIP(r), 1)
	w.WriteHeader(http.StatusNoContent)
}
