package source

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-probe/internal/model"
	"github.com/23skdu/longbow-probe/internal/recorder"
	"github.com/23skdu/longbow-probe/internal/sae"
	"github.com/23skdu/longbow-probe/internal/store"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

func makeLoader(n, frames, nmels int) *SliceLoader {
	l := &SliceLoader{}
	for i := 0; i < n; i++ {
		x := tensor.New(frames, nmels)
		for j := range x.Data {
			x.Data[j] = float32((i*31+j)%13) * 0.1
		}
		l.Inputs = append(l.Inputs, x)
		l.Names = append(l.Names, fmt.Sprintf("clip_%02d.flac", i))
	}
	return l
}

func makeLive(t *testing.T, n, batchSize, workers int, ae sae.Autoencoder) *Live {
	t.Helper()
	cfg := model.DefaultTranscriberConfig()
	m := model.NewTranscriber(cfg)
	rec, err := recorder.New(m, []string{"decoder.blocks.0.mlp"})
	require.NoError(t, err)
	loader := makeLoader(n, 4, cfg.NMels)
	src, err := NewLive(loader, rec, ae, "decoder.blocks.0.mlp", batchSize, workers, 0)
	require.NoError(t, err)
	return src
}

func drain(t *testing.T, it Iterator) []*Batch {
	t.Helper()
	var out []*Batch
	for {
		b, err := it.Next()
		require.NoError(t, err)
		if b == nil {
			return out
		}
		out = append(out, b)
	}
}

func TestLiveBatchShapeAndOrder(t *testing.T) {
	src := makeLive(t, 7, 2, 0, nil)
	defer src.Close()

	cfg := model.DefaultTranscriberConfig()
	require.Equal(t, []int{cfg.GenTokens, cfg.Dim}, src.ActivationShape())
	require.Equal(t, 7, src.Len())

	batches := drain(t, src.Batches())
	// 7 examples at batch size 2: final remainder dropped.
	require.Len(t, batches, 3)
	var files []string
	for _, b := range batches {
		require.Equal(t, []int{2, cfg.GenTokens, cfg.Dim}, b.Activations.Shape)
		files = append(files, b.Files...)
	}
	for i, f := range files {
		require.Equal(t, fmt.Sprintf("clip_%02d.flac", i), f)
	}
}

func TestLiveRestartable(t *testing.T) {
	src := makeLive(t, 4, 2, 0, nil)
	defer src.Close()

	first := drain(t, src.Batches())
	second := drain(t, src.Batches())
	require.Len(t, second, len(first))
	for i := range first {
		require.Equal(t, first[i].Files, second[i].Files)
		require.Equal(t, first[i].Activations.Data, second[i].Activations.Data)
	}
}

func TestLivePrefetchPreservesOrder(t *testing.T) {
	// A loader with jittered latency must not perturb delivery order.
	cfg := model.DefaultTranscriberConfig()
	m := model.NewTranscriber(cfg)
	rec, err := recorder.New(m, []string{"decoder.blocks.0.mlp"})
	require.NoError(t, err)
	base := makeLoader(8, 4, cfg.NMels)
	loader := &jitterLoader{inner: base}
	src, err := NewLive(loader, rec, nil, "decoder.blocks.0.mlp", 2, 4, 0)
	require.NoError(t, err)
	defer src.Close()

	batches := drain(t, src.Batches())
	require.Len(t, batches, 4)
	idx := 0
	for _, b := range batches {
		for _, f := range b.Files {
			require.Equal(t, fmt.Sprintf("clip_%02d.flac", idx), f)
			idx++
		}
	}
}

type countingLoader struct {
	inner *SliceLoader
	loads atomic.Int64
}

func (c *countingLoader) Len() int { return c.inner.Len() }

func (c *countingLoader) Load(i int) (*tensor.Tensor, string, error) {
	c.loads.Add(1)
	return c.inner.Load(i)
}

func makeCountingLive(t *testing.T, n, batchSize, workers int) (*Live, *countingLoader) {
	t.Helper()
	cfg := model.DefaultTranscriberConfig()
	m := model.NewTranscriber(cfg)
	rec, err := recorder.New(m, []string{"decoder.blocks.0.mlp"})
	require.NoError(t, err)
	loader := &countingLoader{inner: makeLoader(n, 4, cfg.NMels)}
	src, err := NewLive(loader, rec, nil, "decoder.blocks.0.mlp", batchSize, workers, 0)
	require.NoError(t, err)
	loader.loads.Store(0) // discard the construction-time shape probe
	return src, loader
}

func TestLivePrefetchBoundsLookahead(t *testing.T) {
	src, loader := makeCountingLive(t, 64, 2, 4)
	defer src.Close()
	window := int64(4 * 2)

	it := src.Batches()
	defer it.Close()

	// Nothing consumed yet: workers may fill the window, no more.
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, loader.loads.Load(), window,
		"loads issued with zero batches consumed must stay within the prefetch window")

	// Each consumed input admits at most one refill.
	b, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, []string{"clip_00.flac", "clip_01.flac"}, b.Files)
	time.Sleep(20 * time.Millisecond)
	require.LessOrEqual(t, loader.loads.Load(), window+2)

	for {
		b, err := it.Next()
		require.NoError(t, err)
		if b == nil {
			break
		}
	}
	require.Equal(t, int64(64), loader.loads.Load())
}

func TestLivePrefetchCloseStopsAbandonedPass(t *testing.T) {
	src, loader := makeCountingLive(t, 64, 2, 4)
	defer src.Close()

	it := src.Batches()
	_, err := it.Next()
	require.NoError(t, err)
	require.NoError(t, it.Close())

	// In-flight loads may finish; afterwards the count must settle far
	// short of the corpus.
	time.Sleep(50 * time.Millisecond)
	settled := loader.loads.Load()
	require.LessOrEqual(t, settled, int64(4*2+2))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, loader.loads.Load())
	require.NoError(t, it.Close()) // idempotent
}

type jitterLoader struct {
	inner *SliceLoader
}

func (j *jitterLoader) Len() int { return j.inner.Len() }

func (j *jitterLoader) Load(i int) (*tensor.Tensor, string, error) {
	time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	return j.inner.Load(i)
}

func TestLiveWithAutoencoder(t *testing.T) {
	cfg := model.DefaultTranscriberConfig()
	ae := sae.NewL1(cfg.Dim, sae.L1Config{ExpansionFactor: 2})
	src := makeLive(t, 4, 2, 0, ae)
	defer src.Close()

	require.Equal(t, []int{cfg.GenTokens, cfg.Dim * 2}, src.ActivationShape())
	batches := drain(t, src.Batches())
	require.Len(t, batches, 2)
	for _, b := range batches {
		require.Equal(t, []int{2, cfg.GenTokens, cfg.Dim * 2}, b.Activations.Shape)
		for _, v := range b.Activations.Data {
			require.GreaterOrEqual(t, v, float32(0), "l1 latent must be rectified")
		}
	}
}

func TestLiveSubsetLimiting(t *testing.T) {
	cfg := model.DefaultTranscriberConfig()
	m := model.NewTranscriber(cfg)
	rec, err := recorder.New(m, []string{"decoder.blocks.0.mlp"})
	require.NoError(t, err)
	src, err := NewLive(makeLoader(10, 4, cfg.NMels), rec, nil, "decoder.blocks.0.mlp", 2, 0, 5)
	require.NoError(t, err)
	defer src.Close()

	require.Equal(t, 5, src.Len())
	require.Len(t, drain(t, src.Batches()), 2)
}

func buildTestStore(t *testing.T, dir, layer string, n int, shape []int) {
	t.Helper()
	w := store.NewWriter(dir, layer)
	for i := 0; i < n; i++ {
		x := tensor.New(shape...)
		for j := range x.Data {
			x.Data[j] = float32(i) + float32(j)*0.01
		}
		w.Append(fmt.Sprintf("f%d.flac", i), x)
	}
	require.NoError(t, w.Flush())
}

func TestPrecomputedBatches(t *testing.T) {
	dir := t.TempDir()
	buildTestStore(t, dir, "layer", 5, []int{3, 4})

	src, err := NewPrecomputed(dir, "layer", 2, 0)
	require.NoError(t, err)
	defer src.Close()

	require.Equal(t, []int{3, 4}, src.ActivationShape())
	require.Equal(t, 5, src.Len())
	require.Equal(t, "layer", src.LayerName())

	batches := drain(t, src.Batches())
	require.Len(t, batches, 2) // remainder dropped
	require.Equal(t, []int{2, 3, 4}, batches[0].Activations.Shape)
	require.Equal(t, []string{"f0.flac", "f1.flac"}, batches[0].Files)
	require.Equal(t, []string{"f2.flac", "f3.flac"}, batches[1].Files)
	// Row 1's data occupies the second example slot of batch 0.
	require.Equal(t, float32(1), batches[0].Activations.Data[12])
}

func TestPrecomputedRestartable(t *testing.T) {
	dir := t.TempDir()
	buildTestStore(t, dir, "layer", 4, []int{2})

	src, err := NewPrecomputed(dir, "layer", 2, 0)
	require.NoError(t, err)
	defer src.Close()

	a := drain(t, src.Batches())
	b := drain(t, src.Batches())
	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, a[i].Files, b[i].Files)
	}
}

func TestPrecomputedRandomAccess(t *testing.T) {
	dir := t.TempDir()
	buildTestStore(t, dir, "layer", 4, []int{2})

	src, err := NewPrecomputed(dir, "layer", 2, 0)
	require.NoError(t, err)
	defer src.Close()

	row, name, err := src.Row(3)
	require.NoError(t, err)
	require.Equal(t, "f3.flac", name)
	require.Equal(t, float32(3), row.Data[0])
}

func TestPrecomputedShapeMismatchAborts(t *testing.T) {
	dir := t.TempDir()
	w := store.NewWriter(dir, "layer")
	w.Append("good.flac", tensor.New(2, 2))
	w.Append("bad.flac", tensor.New(4)) // same element count, different shape
	require.NoError(t, w.Flush())

	src, err := NewPrecomputed(dir, "layer", 2, 0)
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Batches().Next()
	require.Error(t, err)
	mismatch, ok := err.(ErrShapeMismatch)
	require.True(t, ok, "expected ErrShapeMismatch, got %T", err)
	require.Equal(t, "bad.flac", mismatch.File)
	require.Equal(t, []int{2, 2}, mismatch.Expected)
	require.Equal(t, []int{4}, mismatch.Actual)
}

func TestStoreLoaderFeedsLiveSource(t *testing.T) {
	cfg := model.DefaultTranscriberConfig()
	dir := t.TempDir()
	w := store.NewWriter(dir, InputStoreName)
	for i := 0; i < 4; i++ {
		x := tensor.New(4, cfg.NMels)
		for j := range x.Data {
			x.Data[j] = float32(i+j) * 0.05
		}
		w.Append(fmt.Sprintf("clip_%02d.flac", i), x)
	}
	require.NoError(t, w.Flush())

	loader, err := NewStoreLoader(dir)
	require.NoError(t, err)
	defer loader.Close()
	require.Equal(t, 4, loader.Len())

	m := model.NewTranscriber(cfg)
	rec, err := recorder.New(m, []string{"decoder.blocks.0.mlp"})
	require.NoError(t, err)
	src, err := NewLive(loader, rec, nil, "decoder.blocks.0.mlp", 2, 0, 0)
	require.NoError(t, err)
	defer src.Close()

	batches := drain(t, src.Batches())
	require.Len(t, batches, 2)
	require.Equal(t, []string{"clip_00.flac", "clip_01.flac"}, batches[0].Files)
}

func TestPrecomputedEmptyCorpus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, store.NewWriter(dir, "layer").Flush())

	src, err := NewPrecomputed(dir, "layer", 2, 0)
	require.NoError(t, err)
	defer src.Close()

	require.Equal(t, 0, src.Len())
	b, err := src.Batches().Next()
	require.NoError(t, err)
	require.Nil(t, b)
}
