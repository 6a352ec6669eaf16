package ingest

import (
	"cmp"
	"encoding/hex"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// namespace scopes the name-based UUIDs minted for documents and chunks.
var namespace = uuid.MustParse("0f6c3f63-5a4e-4f0e-9a55-8d0c7a3f2b11")

// DocumentID is the stable identifier of the document ingested from source.
// Re-ingesting the same source keeps the id.
func DocumentID(source string) string {
	return uuid.NewSHA1(namespace, []byte(source)).String()
}

// chunkID identifies chunk index of one version of a document. The
// fingerprint keeps ids of a superseded version distinct from the new one.
func chunkID(documentID, fingerprint string, index int) string {
	return uuid.NewSHA1(namespace, []byte(documentID+"/"+fingerprint+"/"+strconv.Itoa(index))).String()
}

// Fingerprint returns a 128-bit BLAKE2b digest of the extracted text, hex
// encoded. Unchanged content yields the same fingerprint.
func Fingerprint(text string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// DocumentInfo describes one document in the knowledge base.
type DocumentInfo struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Title       string    `json:"title,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Chunks      int       `json:"chunks"`
	IngestedAt  time.Time `json:"ingested_at"`

	chunkIDs []string
}

// registry tracks the current version of every ingested document.
type registry struct {
	mu   sync.Mutex
	docs map[string]*DocumentInfo // by source
}

func newRegistry() *registry { return &registry{docs: map[string]*DocumentInfo{}} }

// unchanged reports whether source is registered with fingerprint fp.
func (r *registry) unchanged(source, fp string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[source]
	return ok && d.Fingerprint == fp
}

// known reports whether source is registered.
func (r *registry) known(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.docs[source]
	return ok
}

// swap registers info for its source and returns the chunk ids of the
// previous version that are not part of the new one.
func (r *registry) swap(info *DocumentInfo) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.docs[info.Source]
	r.docs[info.Source] = info
	if old == nil {
		return nil
	}
	var stale []string
	for _, id := range old.chunkIDs {
		if !slices.Contains(info.chunkIDs, id) {
			stale = append(stale, id)
		}
	}
	return stale
}

func (r *registry) remove(source string) (*DocumentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[source]
	delete(r.docs, source)
	return d, ok
}

func (r *registry) reset() {
	r.mu.Lock()
	r.docs = map[string]*DocumentInfo{}
	r.mu.Unlock()
}

// list returns copies of every document ordered by source.
func (r *registry) list() []DocumentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DocumentInfo, 0, len(r.docs))
	for _, d := range r.docs {
		c := *d
		c.chunkIDs = nil
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b DocumentInfo) int { return cmp.Compare(a.Source, b.Source) })
	return out
}

// chunks returns the number of chunks across all documents.
func (r *registry) chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.docs {
		n += d.Chunks
	}
	return n
}

// rebuild replaces the registry with the documents described by entries,
// typically those of an index loaded from disk.
func (r *registry) rebuild(entries []rag.Entry) {
	docs := map[string]*DocumentInfo{}
	for _, e := range entries {
		d, ok := docs[e.Source]
		if !ok {
			d = &DocumentInfo{
				ID:          e.DocumentID,
				Source:      e.Source,
				Title:       e.Metadata[MetaTitle],
				Kind:        e.Metadata[MetaKind],
				Fingerprint: e.Metadata[MetaFingerprint],
			}
			docs[e.Source] = d
		}
		d.Chunks++
		d.chunkIDs = append(d.chunkIDs, e.ID)
	}
	r.mu.Lock()
	r.docs = docs
	r.mu.Unlock()
}
