package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// File layout, all integers little-endian:
//
//	magic    "RAGIDX"
//	version  u16
//	dim      u32
//	count    u64
//	metric   str
//	count × { id str, document str, source str, chunk u32, text str,
//	          nmeta u32, nmeta × { key str, value str }, dim × f32 }
//	crc32    u32  (IEEE, over every preceding byte)
//
// str is a u32 byte length followed by the bytes. Records are written in
// insertion order and metadata keys sorted, so persisting a loaded index
// reproduces the file byte for byte.
const (
	fileMagic   = "RAGIDX"
	fileVersion = 1
	metricID    = "cosine"
)

// Persist writes the current snapshot to path. The file is written to a
// temporary sibling and renamed into place so a crash never leaves a
// truncated index behind.
func (ix *Index) Persist(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("index: persist: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("index: persist: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	bw := bufio.NewWriter(tmp)
	if err := ix.Encode(bw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("index: persist: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("index: persist: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("index: persist: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("index: persist: rename: %w", err)
	}

	ix.log.Info("index: persisted", slog.String("path", path), slog.Int("entries", ix.Len()))
	return nil
}

// Encode writes the current snapshot to w in the index file format.
func (ix *Index) Encode(w io.Writer) error {
	recs := ordered(ix.snap.Load().records)

	crc := crc32.NewIEEE()
	e := &encoder{w: io.MultiWriter(w, crc)}
	e.raw([]byte(fileMagic))
	e.u16(fileVersion)
	e.u32(uint32(ix.dim))
	e.u64(uint64(len(recs)))
	e.str(metricID)
	for _, r := range recs {
		ent := r.entry
		e.str(ent.ID)
		e.str(ent.DocumentID)
		e.str(ent.Source)
		e.u32(uint32(ent.ChunkIndex))
		e.str(ent.Text)
		keys := make([]string, 0, len(ent.Metadata))
		for k := range ent.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		e.u32(uint32(len(keys)))
		for _, k := range keys {
			e.str(k)
			e.str(ent.Metadata[k])
		}
		for _, x := range ent.Vector {
			e.u32(math.Float32bits(x))
		}
	}
	if e.err != nil {
		return fmt.Errorf("index: encode: %w", e.err)
	}
	if err := binary.Write(w, binary.LittleEndian, crc.Sum32()); err != nil {
		return fmt.Errorf("index: encode: checksum: %w", err)
	}
	return nil
}

// Load replaces the index contents with the entries stored at path. Load is
// all-or-nothing: on any error the current contents are left untouched.
// A structurally invalid file fails with rag.ErrIndexCorruption; a file
// written for a different dimension fails with a *rag.DimensionError.
func (ix *Index) Load(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("index: load %s: %w", path, err)
	}
	entries, err := decode(data, ix.dim)
	if err != nil {
		return fmt.Errorf("index: load %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("index: load: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	records := make(map[string]*record, len(entries))
	ix.nextSeq = 0
	for _, ent := range entries {
		ix.nextSeq++
		rec := &record{entry: ent, norm: norm(ent.Vector), seq: ix.nextSeq}
		records[ent.ID] = rec
	}
	ix.commit(&snapshot{}, records)

	ix.log.Info("index: loaded", slog.String("path", path), slog.Int("entries", len(records)))
	return nil
}

// decode parses a complete index file.
func decode(data []byte, dim int) ([]rag.Entry, error) {
	if len(data) < len(fileMagic)+2+4 {
		return nil, corrupt("file too short")
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, corrupt("checksum mismatch")
	}

	d := &decoder{r: bytes.NewReader(body)}
	if string(d.raw(len(fileMagic))) != fileMagic {
		return nil, corrupt("bad magic")
	}
	if v := d.u16(); d.err == nil && v != fileVersion {
		return nil, corrupt(fmt.Sprintf("unsupported version %d", v))
	}
	fileDim := int(d.u32())
	count := d.u64()
	metric := d.str()
	if d.err != nil {
		return nil, corrupt("truncated header")
	}
	if metric != metricID {
		return nil, corrupt(fmt.Sprintf("unknown metric %q", metric))
	}
	if fileDim != dim {
		return nil, &rag.DimensionError{Want: dim, Got: fileDim}
	}
	// Each record needs at least its length prefixes and vector.
	minRecord := uint64(4*5 + 4 + 4*dim)
	if count > uint64(d.r.Len())/minRecord {
		return nil, corrupt("entry count exceeds file size")
	}

	entries := make([]rag.Entry, 0, count)
	seen := make(map[string]struct{}, count)
	for i := uint64(0); i < count; i++ {
		var ent rag.Entry
		ent.ID = d.str()
		ent.DocumentID = d.str()
		ent.Source = d.str()
		ent.ChunkIndex = int(d.u32())
		ent.Text = d.str()
		if n := d.u32(); n > 0 && d.err == nil {
			if uint64(n) > uint64(d.r.Len())/8 {
				return nil, corrupt("metadata count exceeds file size")
			}
			ent.Metadata = make(map[string]string, n)
			for j := uint32(0); j < n; j++ {
				k := d.str()
				ent.Metadata[k] = d.str()
			}
		}
		ent.Vector = make([]float32, dim)
		for j := range ent.Vector {
			ent.Vector[j] = math.Float32frombits(d.u32())
		}
		if d.err != nil {
			return nil, corrupt(fmt.Sprintf("truncated entry %d", i))
		}
		if slices.ContainsFunc(ent.Vector, nonFinite) {
			return nil, corrupt(fmt.Sprintf("entry %d has a non-finite vector", i))
		}
		if ent.ID == "" {
			return nil, corrupt(fmt.Sprintf("entry %d has empty id", i))
		}
		if _, dup := seen[ent.ID]; dup {
			return nil, corrupt(fmt.Sprintf("duplicate id %q", ent.ID))
		}
		seen[ent.ID] = struct{}{}
		entries = append(entries, ent)
	}
	if d.r.Len() != 0 {
		return nil, corrupt("trailing bytes after last entry")
	}
	return entries, nil
}

func corrupt(reason string) error {
	return fmt.Errorf("%s: %w", reason, rag.ErrIndexCorruption)
}

// encoder writes little-endian primitives, remembering the first error.
type encoder struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (e *encoder) raw(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:2], v)
	e.raw(e.buf[:2])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.raw(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.raw(e.buf[:8])
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.raw([]byte(s))
}

// decoder reads little-endian primitives, remembering the first error.
type decoder struct {
	r   *bytes.Reader
	err error
}

var errShort = errors.New("short read")

func (d *decoder) raw(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.r.Len() {
		d.err = errShort
		return nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(d.r, p); err != nil {
		d.err = err
		return nil
	}
	return p
}

func (d *decoder) u16() uint16 {
	if p := d.raw(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if p := d.raw(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if p := d.raw(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil {
		return ""
	}
	return string(d.raw(int(n)))
}
