// Package store reads and writes the precomputed activation corpus: per
// layer, a JSON manifest listing file identifiers and their original
// tensor shapes, and a flat float32 blob whose row i holds the
// flattened data for manifest entry i. The blob is not self-describing;
// the manifest shapes are authoritative. Once built, a store is
// read-only and its blob is memory mapped so arbitrarily large corpora
// never need to be resident.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"syscall"

	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// ErrMissingArtifact reports a manifest or blob file that does not exist.
type ErrMissingArtifact struct{ Path string }

func (e ErrMissingArtifact) Error() string {
	return fmt.Sprintf("missing store artifact: %s", e.Path)
}

// ErrManifestMismatch reports disagreement between the manifest and the
// blob it describes.
type ErrManifestMismatch struct {
	ManifestRows int
	BlobRows     int
}

func (e ErrManifestMismatch) Error() string {
	return fmt.Sprintf("manifest lists %d rows but blob holds %d", e.ManifestRows, e.BlobRows)
}

// Manifest is the sidecar record written next to the tensor blob.
type Manifest struct {
	LayerName    string   `json:"layer_name"`
	Filenames    []string `json:"filenames"`
	TensorShapes [][]int  `json:"tensor_shapes"`
	RowStride    int      `json:"row_stride"` // float32 elements per blob row
}

func manifestPath(dir, layerName string) string {
	return filepath.Join(dir, layerName+"_manifest.json")
}

func blobPath(dir, layerName string) string {
	return filepath.Join(dir, layerName+"_tensors.bin")
}

// Store is a read-only, memory-mapped activation corpus for one layer.
// Safe for concurrent readers.
type Store struct {
	manifest Manifest
	data     []byte
	rows     int
}

// Open maps the layer's blob read-only and validates it against the
// manifest. subsetSize > 0 truncates both views coherently.
func Open(dir, layerName string, subsetSize int) (*Store, error) {
	mPath := manifestPath(dir, layerName)
	raw, err := os.ReadFile(mPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissingArtifact{Path: mPath}
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", mPath, err)
	}
	if len(m.Filenames) != len(m.TensorShapes) {
		return nil, fmt.Errorf("manifest %s: %d filenames but %d shapes", mPath, len(m.Filenames), len(m.TensorShapes))
	}
	if m.RowStride <= 0 {
		return nil, fmt.Errorf("manifest %s: invalid row_stride %d", mPath, m.RowStride)
	}

	bPath := blobPath(dir, layerName)
	f, err := os.Open(bPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissingArtifact{Path: bPath}
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	blobRows := int(info.Size()) / (m.RowStride * 4)
	if blobRows != len(m.Filenames) || int(info.Size())%(m.RowStride*4) != 0 {
		metrics.RecordDataError("manifest_mismatch")
		return nil, ErrManifestMismatch{ManifestRows: len(m.Filenames), BlobRows: blobRows}
	}

	var data []byte
	if info.Size() > 0 {
		data, err = syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap blob: %w", err)
		}
	}

	rows := len(m.Filenames)
	if subsetSize > 0 && subsetSize < rows {
		rows = subsetSize
		m.Filenames = m.Filenames[:rows]
		m.TensorShapes = m.TensorShapes[:rows]
	}

	metrics.RecordStoreMapped(info.Size())
	logger.Log.Component("store").Info("activation store opened",
		"layer", layerName, "rows", rows, "stride", m.RowStride, "bytes", info.Size())
	return &Store{manifest: m, data: data, rows: rows}, nil
}

// Len returns the number of addressable rows after subset limiting.
func (s *Store) Len() int {
	return s.rows
}

func (s *Store) LayerName() string {
	return s.manifest.LayerName
}

// Shape returns the recorded original shape of row i.
func (s *Store) Shape(i int) []int {
	return s.manifest.TensorShapes[i]
}

// ActivationShape returns the shape of the first row, which fixes the
// per-example shape for the whole corpus.
func (s *Store) ActivationShape() []int {
	if s.rows == 0 {
		return nil
	}
	return s.manifest.TensorShapes[0]
}

// Row reshapes row i's flat data to its recorded shape and returns it
// with the row's file identifier. The returned tensor owns a copy; the
// mapping stays untouched.
func (s *Store) Row(i int) (*tensor.Tensor, string, error) {
	if i < 0 || i >= s.rows {
		return nil, "", fmt.Errorf("row %d out of range [0, %d)", i, s.rows)
	}
	shape := s.manifest.TensorShapes[i]
	n := tensor.NumElems(shape)
	if n > s.manifest.RowStride {
		return nil, "", fmt.Errorf("row %d shape %v exceeds row stride %d", i, shape, s.manifest.RowStride)
	}
	out := tensor.New(shape...)
	base := i * s.manifest.RowStride * 4
	for j := 0; j < n; j++ {
		out.Data[j] = math.Float32frombits(binary.LittleEndian.Uint32(s.data[base+j*4:]))
	}
	metrics.RecordStoreRowRead()
	return out, s.manifest.Filenames[i], nil
}

// Close releases the blob mapping. Idempotent.
func (s *Store) Close() error {
	if s.data == nil {
		return nil
	}
	err := syscall.Munmap(s.data)
	s.data = nil
	metrics.RecordStoreMapped(0)
	return err
}

// Writer builds a store: append rows, then Flush once. Write-once by
// construction; Flush refuses to overwrite existing artifacts.
type Writer struct {
	dir       string
	layerName string
	filenames []string
	shapes    [][]int
	rows      [][]float32
}

func NewWriter(dir, layerName string) *Writer {
	return &Writer{dir: dir, layerName: layerName}
}

// Append records one example's activation under its file identifier.
func (w *Writer) Append(filename string, t *tensor.Tensor) {
	w.filenames = append(w.filenames, filename)
	w.shapes = append(w.shapes, append([]int(nil), t.Shape...))
	w.rows = append(w.rows, append([]float32(nil), t.Data...))
}

// Flush writes the manifest and blob. Rows shorter than the stride are
// zero padded; the manifest shapes tell readers how much of each row is
// real.
func (w *Writer) Flush() error {
	mPath := manifestPath(w.dir, w.layerName)
	bPath := blobPath(w.dir, w.layerName)
	for _, p := range []string{mPath, bPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("store artifact already exists: %s", p)
		}
	}

	stride := 1
	for _, row := range w.rows {
		if len(row) > stride {
			stride = len(row)
		}
	}
	m := Manifest{
		LayerName:    w.layerName,
		Filenames:    w.filenames,
		TensorShapes: w.shapes,
		RowStride:    stride,
	}
	if m.Filenames == nil {
		m.Filenames = []string{}
	}
	if m.TensorShapes == nil {
		m.TensorShapes = [][]int{}
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(mPath, raw, 0o644); err != nil {
		return err
	}

	f, err := os.Create(bPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	buf := make([]byte, stride*4)
	for _, row := range w.rows {
		for i := range buf {
			buf[i] = 0
		}
		for i, v := range row {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	logger.Log.Component("store").Info("activation store written",
		"layer", w.layerName, "rows", len(w.rows), "stride", stride)
	return nil
}
