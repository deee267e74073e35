// Package search implements the streaming top-activation query: a
// single pass over an activation source that retains, in bounded
// memory, the n examples whose chosen latent feature activates most
// strongly, with optional magnitude thresholds, an absolute-magnitude
// polarity mode, and a corpus-wide per-file maximum.
package search

import (
	"container/heap"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/sae"
	"github.com/23skdu/longbow-probe/internal/source"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// ErrNotReady reports a query against an index with no usable source.
type ErrNotReady struct{}

func (e ErrNotReady) Error() string {
	return "no activation source initialized"
}

// ErrFeatureIndex reports a feature index outside the source's width.
type ErrFeatureIndex struct {
	Index    int
	Features int
}

func (e ErrFeatureIndex) Error() string {
	return fmt.Sprintf("feature index %d out of range [0, %d)", e.Index, e.Features)
}

// ErrThresholdWindow reports a malformed [min, max] score window.
type ErrThresholdWindow struct{ Min, Max float32 }

func (e ErrThresholdWindow) Error() string {
	return fmt.Sprintf("threshold window [%f, %f] is empty", e.Min, e.Max)
}

// QueryParams selects and bounds one top-activation query. Threshold
// pointers are nil when that side is unbounded.
type QueryParams struct {
	FeatureIndex      int
	NResults          int
	MaxThreshold      *float32
	MinThreshold      *float32
	AbsoluteMagnitude bool
	IncludePerFileMax bool
}

// Result is one ranked example: its file identifier, the activation of
// the queried feature across the example's sequence positions, and the
// selection score that ranked it.
type Result struct {
	File       string
	Activation *tensor.Tensor
	Score      float32
}

// QueryResult is the ranked sequence plus, when requested, the
// corpus-wide per-file maximum score. PerFileMax is nil when not
// requested; results are never cached across queries.
type QueryResult struct {
	Results    []Result
	PerFileMax map[string]float32
}

// Status describes a constructed index to the query boundary.
type Status struct {
	FeatureCount int    `json:"n_features"`
	LayerName    string `json:"layer_name"`
}

// Index runs streaming top-k queries against one activation source.
// Construct once, query many; the caller owns the source's lifecycle.
type Index struct {
	src      source.Source
	features int
	log      *logger.Logger
}

// New validates that the source exposes a usable activation shape and
// returns an index over it.
func New(src source.Source) (*Index, error) {
	if src == nil {
		return nil, ErrNotReady{}
	}
	shape := src.ActivationShape()
	features := 0
	if len(shape) > 0 {
		features = shape[len(shape)-1]
	}
	return &Index{
		src:      src,
		features: features,
		log:      logger.Log.Component("search"),
	}, nil
}

func (ix *Index) Status() Status {
	return Status{FeatureCount: ix.features, LayerName: ix.src.LayerName()}
}

// heapEntry keys the bounded heap: score first, and on ties the later
// encounter is considered smaller so it is evicted first, keeping the
// final ordering stable in encounter order.
type heapEntry struct {
	score float32
	seq   int
	file  string
	slice *tensor.Tensor
}

type boundedHeap []heapEntry

func (h boundedHeap) Len() int { return len(h) }
func (h boundedHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq > h[j].seq
}
func (h boundedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *boundedHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *boundedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Query runs one full pass over the source. Memory is bounded by
// NResults regardless of corpus size. A malformed example aborts the
// query rather than being skipped, since a silent skip would corrupt
// the per-file-max claim.
func (ix *Index) Query(p QueryParams) (*QueryResult, error) {
	if ix.features == 0 && ix.src.Len() > 0 {
		return nil, ErrNotReady{}
	}
	if ix.src.Len() > 0 && (p.FeatureIndex < 0 || p.FeatureIndex >= ix.features) {
		return nil, ErrFeatureIndex{Index: p.FeatureIndex, Features: ix.features}
	}
	if p.NResults <= 0 {
		return nil, fmt.Errorf("n_results must be positive, got %d", p.NResults)
	}
	if p.MinThreshold != nil && p.MaxThreshold != nil && *p.MinThreshold > *p.MaxThreshold {
		return nil, ErrThresholdWindow{Min: *p.MinThreshold, Max: *p.MaxThreshold}
	}

	queryID := uuid.NewString()
	start := time.Now()
	ix.log.Debug("query started", "query_id", queryID,
		"feature", p.FeatureIndex, "n_results", p.NResults,
		"absolute", p.AbsoluteMagnitude)

	h := &boundedHeap{}
	heap.Init(h)
	var perFileMax map[string]float32
	if p.IncludePerFileMax {
		perFileMax = make(map[string]float32)
	}

	seq := 0
	scanned := 0
	it := ix.src.Batches()
	defer it.Close()
	for {
		batch, err := it.Next()
		if err != nil {
			metrics.RecordDataError("query_pass")
			return nil, fmt.Errorf("query pass aborted: %w", err)
		}
		if batch == nil {
			break
		}
		examples := batch.Activations.Shape[0]
		perExample := len(batch.Activations.Data) / examples
		width := batch.Activations.Dim(-1)
		positions := perExample / width
		for e := 0; e < examples; e++ {
			data := batch.Activations.Data[e*perExample : (e+1)*perExample]
			slice := tensor.New(positions)
			score := float32(0)
			for pos := 0; pos < positions; pos++ {
				v := data[pos*width+p.FeatureIndex]
				slice.Data[pos] = v
				mag := v
				if p.AbsoluteMagnitude && mag < 0 {
					mag = -mag
				}
				if pos == 0 || mag > score {
					score = mag
				}
			}
			scanned++
			file := batch.Files[e]
			if perFileMax != nil {
				if cur, ok := perFileMax[file]; !ok || score > cur {
					perFileMax[file] = score
				}
			}
			if p.MinThreshold != nil && score < *p.MinThreshold {
				metrics.RecordThresholdRejection()
				seq++
				continue
			}
			if p.MaxThreshold != nil && score > *p.MaxThreshold {
				metrics.RecordThresholdRejection()
				seq++
				continue
			}
			heap.Push(h, heapEntry{score: score, seq: seq, file: file, slice: slice})
			if h.Len() > p.NResults {
				heap.Pop(h)
				metrics.RecordHeapEviction()
			}
			seq++
		}
	}

	entries := make([]heapEntry, h.Len())
	copy(entries, *h)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].seq < entries[j].seq
	})
	results := make([]Result, len(entries))
	for i, e := range entries {
		results[i] = Result{File: e.file, Activation: e.slice, Score: e.score}
	}

	metrics.RecordExamplesScanned(scanned)
	metrics.RecordQuery(sourceKind(ix.src), time.Since(start))
	ix.log.Info("query complete", "query_id", queryID,
		"scanned", scanned, "returned", len(results),
		"duration_ms", time.Since(start).Milliseconds())
	return &QueryResult{Results: results, PerFileMax: perFileMax}, nil
}

func sourceKind(s source.Source) string {
	switch s.(type) {
	case *source.Live:
		return "live"
	case *source.Precomputed:
		return "precomputed"
	default:
		return "custom"
	}
}

// TopFeatures encodes one raw activation with the autoencoder and
// returns the topN latent indices ranked by their maximum activation
// over sequence positions, with those maxima.
func TopFeatures(act *tensor.Tensor, ae sae.Autoencoder, topN int) ([]int, []float32, error) {
	enc, err := ae.Encode(act)
	if err != nil {
		return nil, nil, err
	}
	width := enc.Latent.Dim(-1)
	rows := len(enc.Latent.Data) / width
	maxima := make([]float32, width)
	for r := 0; r < rows; r++ {
		row := enc.Latent.Data[r*width : (r+1)*width]
		for f, v := range row {
			if r == 0 || v > maxima[f] {
				maxima[f] = v
			}
		}
	}
	order := make([]int, width)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return maxima[order[i]] > maxima[order[j]]
	})
	if topN > width {
		topN = width
	}
	indices := make([]int, topN)
	values := make([]float32, topN)
	for i := 0; i < topN; i++ {
		indices[i] = order[i]
		values[i] = maxima[order[i]]
	}
	return indices, values, nil
}
