package search

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-probe/internal/sae"
	"github.com/23skdu/longbow-probe/internal/source"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// stubSource serves fixed rows, shaped [positions, width] per example.
type stubSource struct {
	shape     []int
	files     []string
	rows      [][]float32
	batchSize int
}

func (s *stubSource) ActivationShape() []int { return s.shape }
func (s *stubSource) Len() int               { return len(s.rows) }
func (s *stubSource) BatchSize() int         { return s.batchSize }
func (s *stubSource) LayerName() string      { return "stub.layer" }
func (s *stubSource) Close() error           { return nil }

func (s *stubSource) Batches() source.Iterator {
	return &stubIter{s: s, numBatches: len(s.rows) / s.batchSize}
}

type stubIter struct {
	s          *stubSource
	batch      int
	numBatches int
}

func (it *stubIter) Close() error { return nil }

func (it *stubIter) Next() (*source.Batch, error) {
	if it.batch >= it.numBatches {
		return nil, nil
	}
	s := it.s
	per := tensor.NumElems(s.shape)
	acts := tensor.New(append([]int{s.batchSize}, s.shape...)...)
	files := make([]string, s.batchSize)
	base := it.batch * s.batchSize
	for i := 0; i < s.batchSize; i++ {
		copy(acts.Data[i*per:(i+1)*per], s.rows[base+i])
		files[i] = s.files[base+i]
	}
	it.batch++
	return &source.Batch{Activations: acts, Files: files}, nil
}

// scoreSource puts the interesting values in feature 1 of a two-feature
// layout, with feature 0 held at a large constant to catch any column
// confusion.
func scoreSource(scores []float32, files []string, batchSize int) *stubSource {
	rows := make([][]float32, len(scores))
	for i, v := range scores {
		rows[i] = []float32{99, v}
	}
	return &stubSource{
		shape:     []int{1, 2},
		files:     files,
		rows:      rows,
		batchSize: batchSize,
	}
}

func fptr(v float32) *float32 { return &v }

func TestQueryRanksBySignedMaximum(t *testing.T) {
	src := scoreSource([]float32{0.1, 0.9, -0.9, 0.3},
		[]string{"ex0", "ex1", "ex2", "ex3"}, 2)
	ix, err := New(src)
	require.NoError(t, err)

	out, err := ix.Query(QueryParams{FeatureIndex: 1, NResults: 2})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	require.Equal(t, "ex1", out.Results[0].File)
	require.Equal(t, float32(0.9), out.Results[0].Score)
	require.Equal(t, "ex3", out.Results[1].File)
	require.Equal(t, float32(0.3), out.Results[1].Score)
	require.Nil(t, out.PerFileMax)
}

func TestQueryAbsoluteMagnitudeBreaksTiesByOrder(t *testing.T) {
	src := scoreSource([]float32{0.1, 0.9, -0.9, 0.3},
		[]string{"ex0", "ex1", "ex2", "ex3"}, 2)
	ix, err := New(src)
	require.NoError(t, err)

	out, err := ix.Query(QueryParams{FeatureIndex: 1, NResults: 2, AbsoluteMagnitude: true})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	// 0.9 and |-0.9| tie; the earlier example wins.
	require.Equal(t, "ex1", out.Results[0].File)
	require.Equal(t, "ex2", out.Results[1].File)
	require.Equal(t, float32(0.9), out.Results[1].Score)
}

func TestQueryReturnsSignedActivationSlice(t *testing.T) {
	src := scoreSource([]float32{-0.9, 0.1}, []string{"ex0", "ex1"}, 2)
	ix, err := New(src)
	require.NoError(t, err)

	out, err := ix.Query(QueryParams{FeatureIndex: 1, NResults: 1, AbsoluteMagnitude: true})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	// Score is the magnitude; the returned slice keeps the sign.
	require.Equal(t, float32(0.9), out.Results[0].Score)
	require.Equal(t, []float32{-0.9}, out.Results[0].Activation.Data)
}

func TestQueryThresholds(t *testing.T) {
	src := scoreSource([]float32{0.1, 0.9, -0.9, 0.3},
		[]string{"ex0", "ex1", "ex2", "ex3"}, 2)
	ix, err := New(src)
	require.NoError(t, err)

	out, err := ix.Query(QueryParams{FeatureIndex: 1, NResults: 4, MinThreshold: fptr(0.2)})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	require.Equal(t, "ex1", out.Results[0].File)
	require.Equal(t, "ex3", out.Results[1].File)

	out, err = ix.Query(QueryParams{FeatureIndex: 1, NResults: 4, MaxThreshold: fptr(0.5)})
	require.NoError(t, err)
	require.Len(t, out.Results, 3)
	require.Equal(t, "ex3", out.Results[0].File)

	_, err = ix.Query(QueryParams{FeatureIndex: 1, NResults: 4,
		MinThreshold: fptr(0.6), MaxThreshold: fptr(0.2)})
	require.Error(t, err)
	require.IsType(t, ErrThresholdWindow{}, err)
}

func TestQueryScoreIsMaxOverPositions(t *testing.T) {
	src := &stubSource{
		shape: []int{3, 2},
		files: []string{"a", "b"},
		rows: [][]float32{
			{0, 0.2, 0, 0.7, 0, 0.1},
			{0, 0.5, 0, 0.4, 0, 0.3},
		},
		batchSize: 2,
	}
	ix, err := New(src)
	require.NoError(t, err)

	out, err := ix.Query(QueryParams{FeatureIndex: 1, NResults: 2})
	require.NoError(t, err)
	require.Equal(t, "a", out.Results[0].File)
	require.Equal(t, float32(0.7), out.Results[0].Score)
	require.Equal(t, []float32{0.2, 0.7, 0.1}, out.Results[0].Activation.Data)
	require.Equal(t, float32(0.5), out.Results[1].Score)
}

func TestQueryPerFileMaxCoversWholeCorpus(t *testing.T) {
	// ex0 repeats the "dup" identifier with a lower score, and the
	// threshold excludes ex3 from results without excluding it from
	// the per-file map.
	src := scoreSource([]float32{0.2, 0.8, 0.5, 0.05},
		[]string{"dup", "dup", "solo", "tiny"}, 2)
	ix, err := New(src)
	require.NoError(t, err)

	out, err := ix.Query(QueryParams{
		FeatureIndex:      1,
		NResults:          2,
		MinThreshold:      fptr(0.1),
		IncludePerFileMax: true,
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	require.Equal(t, map[string]float32{
		"dup":  0.8,
		"solo": 0.5,
		"tiny": 0.05,
	}, out.PerFileMax)
}

func TestQueryBoundedHeapKeepsLargest(t *testing.T) {
	n := 40
	scores := make([]float32, n)
	files := make([]string, n)
	for i := range scores {
		scores[i] = float32((i * 17) % n)
		files[i] = string(rune('a' + i%26))
	}
	src := scoreSource(scores, files, 4)
	ix, err := New(src)
	require.NoError(t, err)

	out, err := ix.Query(QueryParams{FeatureIndex: 1, NResults: 5})
	require.NoError(t, err)
	require.Len(t, out.Results, 5)
	for i, r := range out.Results {
		require.Equal(t, float32(n-1-i), r.Score)
	}
}

func TestQueryParamValidation(t *testing.T) {
	src := scoreSource([]float32{0.1, 0.2}, []string{"a", "b"}, 2)
	ix, err := New(src)
	require.NoError(t, err)

	_, err = ix.Query(QueryParams{FeatureIndex: 2, NResults: 1})
	require.Error(t, err)
	oob, ok := err.(ErrFeatureIndex)
	require.True(t, ok)
	require.Equal(t, 2, oob.Index)
	require.Equal(t, 2, oob.Features)

	_, err = ix.Query(QueryParams{FeatureIndex: -1, NResults: 1})
	require.Error(t, err)

	_, err = ix.Query(QueryParams{FeatureIndex: 0, NResults: 0})
	require.Error(t, err)
}

func TestQueryEmptySource(t *testing.T) {
	src := &stubSource{shape: nil, batchSize: 2}
	ix, err := New(src)
	require.NoError(t, err)

	out, err := ix.Query(QueryParams{FeatureIndex: 0, NResults: 3, IncludePerFileMax: true})
	require.NoError(t, err)
	require.Empty(t, out.Results)
	require.NotNil(t, out.PerFileMax)
	require.Empty(t, out.PerFileMax)
}

func TestNewNilSource(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.IsType(t, ErrNotReady{}, err)
}

func TestStatus(t *testing.T) {
	src := scoreSource([]float32{0.1}, []string{"a"}, 1)
	ix, err := New(src)
	require.NoError(t, err)
	st := ix.Status()
	require.Equal(t, 2, st.FeatureCount)
	require.Equal(t, "stub.layer", st.LayerName)
}

func TestTopFeatures(t *testing.T) {
	ae := sae.NewL1(4, sae.L1Config{ExpansionFactor: 2, Seed: 7})
	act := tensor.New(1, 3, 4)
	for i := range act.Data {
		act.Data[i] = float32(i%5) * 0.25
	}

	indices, values, err := TopFeatures(act, ae, 3)
	require.NoError(t, err)
	require.Len(t, indices, 3)
	require.Len(t, values, 3)
	for i := 1; i < len(values); i++ {
		require.GreaterOrEqual(t, values[i-1], values[i])
	}
	for _, f := range indices {
		require.GreaterOrEqual(t, f, 0)
		require.Less(t, f, 8)
	}
}
