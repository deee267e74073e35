package source

import (
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/store"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// Precomputed reads batches out of a memory-mapped activation store.
// The mapping is read-only, so any number of concurrent passes may run.
type Precomputed struct {
	st        *store.Store
	batchSize int
	shape     []int
}

// NewPrecomputed opens the layer's store under dir. subsetSize > 0
// limits the corpus to its first entries.
func NewPrecomputed(dir, layerName string, batchSize, subsetSize int) (*Precomputed, error) {
	st, err := store.Open(dir, layerName, subsetSize)
	if err != nil {
		return nil, err
	}
	return &Precomputed{
		st:        st,
		batchSize: batchSize,
		shape:     st.ActivationShape(),
	}, nil
}

func (p *Precomputed) ActivationShape() []int { return p.shape }
func (p *Precomputed) Len() int               { return p.st.Len() }
func (p *Precomputed) BatchSize() int         { return p.batchSize }
func (p *Precomputed) LayerName() string      { return p.st.LayerName() }
func (p *Precomputed) Close() error           { return p.st.Close() }

// Row exposes random access by corpus row, for point lookups outside
// batched iteration.
func (p *Precomputed) Row(i int) (*tensor.Tensor, string, error) {
	return p.st.Row(i)
}

func (p *Precomputed) Batches() Iterator {
	return &precomputedIter{p: p, numBatches: p.st.Len() / p.batchSize}
}

type precomputedIter struct {
	p          *Precomputed
	batch      int
	numBatches int
}

// Close is a no-op; precomputed passes hold no per-pass resources.
func (it *precomputedIter) Close() error { return nil }

func (it *precomputedIter) Next() (*Batch, error) {
	if it.batch >= it.numBatches {
		return nil, nil
	}
	p := it.p
	batchShape := append([]int{p.batchSize}, p.shape...)
	acts := tensor.New(batchShape...)
	files := make([]string, p.batchSize)
	perExample := tensor.NumElems(p.shape)

	base := it.batch * p.batchSize
	for i := 0; i < p.batchSize; i++ {
		row, name, err := p.st.Row(base + i)
		if err != nil {
			return nil, err
		}
		if !tensor.ShapeEquals(row.Shape, p.shape) {
			return nil, ErrShapeMismatch{File: name, Expected: p.shape, Actual: row.Shape}
		}
		copy(acts.Data[i*perExample:(i+1)*perExample], row.Data)
		files[i] = name
	}
	it.batch++
	metrics.RecordBatch("precomputed")
	return &Batch{Activations: acts, Files: files}, nil
}
