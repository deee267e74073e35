package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
)

// Tensor is a dense row-major float32 tensor of arbitrary rank.
type Tensor struct {
	Data  []float32
	Shape []int
}

func New(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float32, NumElems(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps data in a tensor without copying. The element count of
// shape must equal len(data).
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if NumElems(shape) != len(data) {
		return nil, fmt.Errorf("shape %v holds %d elements, data has %d", shape, NumElems(shape), len(data))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}, nil
}

func NumElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) NumElems() int {
	return NumElems(t.Shape)
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of axis i, counting from the end for negative i.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Reshape returns a view of t with a new shape of equal element count.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if NumElems(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v (%d elems) to %v (%d elems)",
			t.Shape, len(t.Data), shape, NumElems(shape))
	}
	return &Tensor{Data: t.Data, Shape: append([]int(nil), shape...)}, nil
}

// As2D views t as a [rows, width] matrix where width is the trailing axis.
func (t *Tensor) As2D() *Tensor {
	width := t.Dim(-1)
	rows := len(t.Data) / width
	return &Tensor{Data: t.Data, Shape: []int{rows, width}}
}

// Row returns a view of row i of a rank-2 tensor.
func (t *Tensor) Row(i int) []float32 {
	width := t.Dim(-1)
	return t.Data[i*width : (i+1)*width]
}

// At reads element (i, j) of a rank-2 tensor.
func (t *Tensor) At(i, j int) float32 {
	return t.Data[i*t.Shape[1]+j]
}

// Set writes element (i, j) of a rank-2 tensor.
func (t *Tensor) Set(i, j int, v float32) {
	t.Data[i*t.Shape[1]+j] = v
}

// ShapeEquals reports whether two shapes describe the same extents.
func ShapeEquals(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// parallelRows splits [0, rows) across NumCPU goroutines.
func parallelRows(rows int, fn func(rowStart, rowEnd int)) {
	parallelism := runtime.NumCPU()
	chunkSize := (rows + parallelism - 1) / parallelism
	if chunkSize < 1 {
		chunkSize = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := i + chunkSize
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// MatMul computes a [m,k] x b [k,n] -> out [m,n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 || a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("matmul shape mismatch: %v x %v", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := New(m, n)
	parallelRows(m, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			aRow := a.Data[row*k : (row+1)*k]
			outRow := out.Data[row*n : (row+1)*n]
			for kk := 0; kk < k; kk++ {
				av := aRow[kk]
				if av == 0 {
					continue
				}
				bRow := b.Data[kk*n : (kk+1)*n]
				for col := 0; col < n; col++ {
					outRow[col] += av * bRow[col]
				}
			}
		}
	})
	return out, nil
}

// MatMulT computes a [m,k] x transpose(b [n,k]) -> out [m,n].
func MatMulT(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 || a.Shape[1] != b.Shape[1] {
		return nil, fmt.Errorf("matmulT shape mismatch: %v x %v^T", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[0]
	out := New(m, n)
	parallelRows(m, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			aRow := a.Data[row*k : (row+1)*k]
			outRow := out.Data[row*n : (row+1)*n]
			for col := 0; col < n; col++ {
				bRow := b.Data[col*k : (col+1)*k]
				var sum float32
				for kk := 0; kk < k; kk++ {
					sum += aRow[kk] * bRow[kk]
				}
				outRow[col] = sum
			}
		}
	})
	return out, nil
}

// AddRowInPlace adds bias (length = trailing axis) to every row of t.
func AddRowInPlace(t *Tensor, bias []float32) error {
	width := t.Dim(-1)
	if width != len(bias) {
		return fmt.Errorf("bias length %d does not match trailing axis %d", len(bias), width)
	}
	for off := 0; off < len(t.Data); off += width {
		row := t.Data[off : off+width]
		for i := range row {
			row[i] += bias[i]
		}
	}
	return nil
}

// ReLUInPlace rectifies every element of t.
func ReLUInPlace(t *Tensor) {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
}

// NormalizeColumns rescales each column of w [rows, cols] to unit L2 norm.
// Zero columns are left untouched.
func NormalizeColumns(w *Tensor) {
	rows, cols := w.Shape[0], w.Shape[1]
	norms := make([]float32, cols)
	for r := 0; r < rows; r++ {
		row := w.Data[r*cols : (r+1)*cols]
		for c, v := range row {
			norms[c] += v * v
		}
	}
	for c := range norms {
		if norms[c] > 0 {
			norms[c] = float32(1.0 / math.Sqrt(float64(norms[c])))
		} else {
			norms[c] = 1
		}
	}
	for r := 0; r < rows; r++ {
		row := w.Data[r*cols : (r+1)*cols]
		for c := range row {
			row[c] *= norms[c]
		}
	}
}

// ColumnNorm returns the L2 norm of column c of w [rows, cols].
func ColumnNorm(w *Tensor, c int) float32 {
	cols := w.Shape[1]
	var sum float32
	for r := 0; r < w.Shape[0]; r++ {
		v := w.Data[r*cols+c]
		sum += v * v
	}
	return float32(math.Sqrt(float64(sum)))
}

// OrthogonalInit fills w [rows, cols] with an orthogonal-ish basis:
// Gaussian draws followed by Gram-Schmidt over the smaller dimension.
// When cols > rows (overcomplete dictionaries) mutual orthogonality is
// impossible; columns beyond rank stay as normalized Gaussian draws.
func OrthogonalInit(w *Tensor, rng *rand.Rand) {
	rows, cols := w.Shape[0], w.Shape[1]
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64())
	}
	// Gram-Schmidt across columns
	limit := cols
	if rows < limit {
		limit = rows
	}
	col := func(c int) []float32 {
		out := make([]float32, rows)
		for r := 0; r < rows; r++ {
			out[r] = w.Data[r*cols+c]
		}
		return out
	}
	setCol := func(c int, v []float32) {
		for r := 0; r < rows; r++ {
			w.Data[r*cols+c] = v[r]
		}
	}
	basis := make([][]float32, 0, limit)
	for c := 0; c < cols; c++ {
		v := col(c)
		for _, u := range basis {
			var dot float32
			for r := range v {
				dot += v[r] * u[r]
			}
			for r := range v {
				v[r] -= dot * u[r]
			}
		}
		var norm float32
		for _, x := range v {
			norm += x * x
		}
		norm = float32(math.Sqrt(float64(norm)))
		if norm < 1e-6 {
			// Degenerate draw, resample
			for r := range v {
				v[r] = float32(rng.NormFloat64())
			}
			norm = 0
			for _, x := range v {
				norm += x * x
			}
			norm = float32(math.Sqrt(float64(norm)))
		}
		inv := 1 / norm
		for r := range v {
			v[r] *= inv
		}
		setCol(c, v)
		if len(basis) < limit {
			basis = append(basis, v)
		}
	}
}

// ConcatAxis1 concatenates two rank-3 tensors [b, s, w] along axis 1.
func ConcatAxis1(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 3 || b.Rank() != 3 {
		return nil, fmt.Errorf("concat requires rank-3 tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] {
		return nil, fmt.Errorf("concat shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	bsz, sa, sb, w := a.Shape[0], a.Shape[1], b.Shape[1], a.Shape[2]
	out := New(bsz, sa+sb, w)
	for i := 0; i < bsz; i++ {
		dst := out.Data[i*(sa+sb)*w:]
		copy(dst[:sa*w], a.Data[i*sa*w:(i+1)*sa*w])
		copy(dst[sa*w:(sa+sb)*w], b.Data[i*sb*w:(i+1)*sb*w])
	}
	return out, nil
}

// TruncateLastDim copies t keeping only the first width channels of the
// trailing axis. A width at or above the current extent returns a clone.
func TruncateLastDim(t *Tensor, width int) *Tensor {
	cur := t.Dim(-1)
	if width >= cur {
		return t.Clone()
	}
	outShape := append([]int(nil), t.Shape...)
	outShape[len(outShape)-1] = width
	out := New(outShape...)
	rows := len(t.Data) / cur
	for r := 0; r < rows; r++ {
		copy(out.Data[r*width:(r+1)*width], t.Data[r*cur:r*cur+width])
	}
	return out
}

// Max returns the maximum element of xs (0 for empty input).
func Max(xs []float32) float32 {
	if len(xs) == 0 {
		return 0
	}
	max := xs[0]
	for _, v := range xs[1:] {
		if v > max {
			max = v
		}
	}
	return max
}
