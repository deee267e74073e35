package source

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/recorder"
	"github.com/23skdu/longbow-probe/internal/sae"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// Live computes activations on the fly: each batch loads raw inputs,
// runs the instrumented model through the recorder, and optionally
// encodes the captured activations with a sparse autoencoder. The cost
// is paid per pass; nothing is cached across passes.
//
// The recorder's accumulated mapping is the only shared mutable state.
// Each Next call holds the source lock from forward run to readout, so
// overlapping passes interleave safely batch by batch, though callers
// wanting parallel query throughput should construct one live source
// per concurrent caller.
type Live struct {
	loader    InputLoader
	rec       *recorder.Recorder
	ae        sae.Autoencoder
	layerName string
	batchSize int
	workers   int
	n         int
	inShape   []int
	shape     []int
	mu        sync.Mutex
}

// NewLive probes the first example to fix the activation shape, then
// returns a source over the loader's corpus. ae may be nil to yield raw
// captured activations. subsetSize > 0 limits the corpus.
func NewLive(loader InputLoader, rec *recorder.Recorder, ae sae.Autoencoder,
	layerName string, batchSize, workers, subsetSize int) (*Live, error) {
	n := loader.Len()
	if subsetSize > 0 && subsetSize < n {
		n = subsetSize
	}
	l := &Live{
		loader:    loader,
		rec:       rec,
		ae:        ae,
		layerName: layerName,
		batchSize: batchSize,
		workers:   workers,
		n:         n,
	}
	if n == 0 {
		return l, nil
	}

	first, _, err := loader.Load(0)
	if err != nil {
		return nil, fmt.Errorf("probe input: %w", err)
	}
	l.inShape = append([]int(nil), first.Shape...)
	probe, err := l.activationsFor([]*tensor.Tensor{first}, []string{"probe"})
	if err != nil {
		return nil, fmt.Errorf("probe activation shape: %w", err)
	}
	l.shape = append([]int(nil), probe.Shape[1:]...)
	logger.Log.Component("source").Info("live source ready",
		"layer", layerName, "examples", n, "activation_shape", l.shape,
		"encoded", ae != nil)
	return l, nil
}

func (l *Live) ActivationShape() []int { return l.shape }
func (l *Live) Len() int               { return l.n }
func (l *Live) BatchSize() int         { return l.batchSize }
func (l *Live) LayerName() string      { return l.layerName }

// Close detaches the recorder's hooks.
func (l *Live) Close() error {
	l.rec.Detach()
	return nil
}

// activationsFor stacks inputs, runs one instrumented pass, and returns
// the (optionally encoded) activation batch [len(inputs), ...].
func (l *Live) activationsFor(inputs []*tensor.Tensor, files []string) (*tensor.Tensor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stackShape := append([]int{len(inputs)}, inputs[0].Shape...)
	stacked := tensor.New(stackShape...)
	per := inputs[0].NumElems()
	for i, in := range inputs {
		if !tensor.ShapeEquals(in.Shape, inputs[0].Shape) {
			return nil, fmt.Errorf("input %q shape %v, expected uniform %v", files[i], in.Shape, inputs[0].Shape)
		}
		copy(stacked.Data[i*per:(i+1)*per], in.Data)
	}

	if _, err := l.rec.Run(stacked); err != nil {
		return nil, err
	}
	act := l.rec.First()
	if act == nil {
		return nil, fmt.Errorf("layer %s captured no activation for this pass", l.layerName)
	}
	if l.ae == nil {
		return act, nil
	}
	enc, err := l.ae.Encode(act)
	if err != nil {
		return nil, err
	}
	return enc.Latent, nil
}

func (l *Live) Batches() Iterator {
	numBatches := 0
	if l.batchSize > 0 {
		numBatches = l.n / l.batchSize
	}
	it := &liveIter{l: l, numBatches: numBatches}
	if numBatches > 0 && l.workers > 0 {
		it.startPrefetch()
	}
	return it
}

type loadedInput struct {
	x    *tensor.Tensor
	name string
	err  error
}

type liveIter struct {
	l          *Live
	batch      int
	numBatches int
	prefetched []chan loadedInput
	jobs       chan int
	nextJob    int
	total      int
	stop       chan struct{}
	stopOnce   sync.Once
}

// startPrefetch fans input loading across workers while keeping
// delivery strictly index ordered: worker results land in a per-index
// slot, and the consumer drains slots sequentially. Ordering, and with
// it activation-to-identifier pairing, is independent of worker count.
//
// Lookahead is bounded: at most workers*batchSize loads are outstanding
// beyond what the consumer has taken, so a slow or abandoned pass never
// pulls the whole corpus into memory. The consumer refills the window
// one job per input consumed; the jobs channel is sized to the window
// so refills never block.
func (it *liveIter) startPrefetch() {
	it.total = it.numBatches * it.l.batchSize
	window := it.l.workers * it.l.batchSize
	if window > it.total {
		window = it.total
	}
	it.prefetched = make([]chan loadedInput, it.total)
	for i := range it.prefetched {
		it.prefetched[i] = make(chan loadedInput, 1)
	}
	it.jobs = make(chan int, window)
	it.stop = make(chan struct{})
	for w := 0; w < it.l.workers; w++ {
		go func() {
			for {
				select {
				case idx, ok := <-it.jobs:
					if !ok {
						return
					}
					x, name, err := it.l.loader.Load(idx)
					select {
					case it.prefetched[idx] <- loadedInput{x: x, name: name, err: err}:
					case <-it.stop:
						return
					}
				case <-it.stop:
					return
				}
			}
		}()
	}
	for i := 0; i < window; i++ {
		it.jobs <- i
	}
	it.nextJob = window
	if it.nextJob == it.total {
		close(it.jobs)
	}
}

func (it *liveIter) load(idx int) (*tensor.Tensor, string, error) {
	if it.prefetched == nil {
		return it.l.loader.Load(idx)
	}
	got := <-it.prefetched[idx]
	if it.nextJob < it.total {
		it.jobs <- it.nextJob
		it.nextJob++
		if it.nextJob == it.total {
			close(it.jobs)
		}
	}
	return got.x, got.name, got.err
}

// Close releases the prefetch workers of a pass abandoned before
// exhaustion. Fully drained passes clean up on their own.
func (it *liveIter) Close() error {
	if it.stop != nil {
		it.stopOnce.Do(func() { close(it.stop) })
	}
	return nil
}

func (it *liveIter) Next() (*Batch, error) {
	if it.batch >= it.numBatches {
		return nil, nil
	}
	l := it.l
	inputs := make([]*tensor.Tensor, l.batchSize)
	files := make([]string, l.batchSize)
	base := it.batch * l.batchSize
	for i := 0; i < l.batchSize; i++ {
		x, name, err := it.load(base + i)
		if err != nil {
			return nil, fmt.Errorf("load input %d: %w", base+i, err)
		}
		inputs[i] = x
		files[i] = name
	}

	acts, err := l.activationsFor(inputs, files)
	if err != nil {
		return nil, err
	}
	if !tensor.ShapeEquals(acts.Shape[1:], l.shape) {
		return nil, ErrShapeMismatch{File: files[0], Expected: l.shape, Actual: acts.Shape[1:]}
	}
	it.batch++
	metrics.RecordBatch("live")
	// Captured tensors are owned by the recorder until the next pass;
	// hand downstream an immutable copy.
	return &Batch{Activations: acts.Clone(), Files: files}, nil
}
