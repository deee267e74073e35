// Package source provides the uniform batch-producing contract the
// top-activation search iterates: a lazy, finite, restartable sequence
// of (activation batch, file identifiers) pairs with a fixed batch
// size. Two backings exist: a live source that runs the instrumented
// model (and optionally a sparse autoencoder) per batch, and a
// precomputed source reading the memory-mapped activation store.
// Partial trailing batches are dropped, never yielded, so every batch
// is uniform.
package source

import (
	"fmt"

	"github.com/23skdu/longbow-probe/internal/tensor"
)

// Batch is one uniform slice of the corpus. Activations is
// [batch, ..., featureWidth]; Files[i] identifies example i.
type Batch struct {
	Activations *tensor.Tensor
	Files       []string
}

// Iterator walks one pass over a source. Next returns (nil, nil) once
// the pass is exhausted; any error aborts the pass. Close releases any
// prefetch machinery of a pass dropped before exhaustion and is safe to
// call on a drained iterator.
type Iterator interface {
	Next() (*Batch, error)
	Close() error
}

// Source is the contract shared by the live and precomputed variants.
type Source interface {
	// ActivationShape is the fixed per-example shape, post-autoencoder
	// when one is configured. Probed once at construction.
	ActivationShape() []int
	// Len is the number of examples available after subset limiting.
	Len() int
	// BatchSize is the uniform batch size.
	BatchSize() int
	// LayerName names the instrumented layer this source observes.
	LayerName() string
	// Batches starts a fresh pass. Passes must not overlap on a live
	// source; the precomputed variant supports any number of readers.
	Batches() Iterator
	// Close releases file handles and mappings.
	Close() error
}

// ErrShapeMismatch reports an example whose activation disagrees with
// the source's fixed shape. It aborts the pass that observed it.
type ErrShapeMismatch struct {
	File     string
	Expected []int
	Actual   []int
}

func (e ErrShapeMismatch) Error() string {
	return fmt.Sprintf("example %q: activation shape %v, expected %v", e.File, e.Actual, e.Expected)
}

// InputLoader supplies raw model inputs by index. Decoding waveforms
// into input tensors is the caller's concern; the probe only requires
// uniform shapes and stable identifiers.
type InputLoader interface {
	Len() int
	Load(i int) (*tensor.Tensor, string, error)
}

// SliceLoader serves in-memory inputs; used by tests and small runs.
type SliceLoader struct {
	Inputs []*tensor.Tensor
	Names  []string
}

func (l *SliceLoader) Len() int {
	return len(l.Inputs)
}

func (l *SliceLoader) Load(i int) (*tensor.Tensor, string, error) {
	if i < 0 || i >= len(l.Inputs) {
		return nil, "", fmt.Errorf("input %d out of range [0, %d)", i, len(l.Inputs))
	}
	return l.Inputs[i], l.Names[i], nil
}
