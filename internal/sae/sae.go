// Package sae implements the sparse autoencoders used to compress raw
// activations into an overcomplete, interpretable dictionary code. Two
// variants exist: an L1-penalized autoencoder whose sparsity comes from
// a rectified code plus an L1 loss term, and a TopK autoencoder whose
// sparsity is structural (exactly K retained entries per example).
//
// Both variants share one weight matrix W [activationSize, nDict]: it
// is the decoder, and transposed it is the encoder. The decoder columns
// (dictionary atoms) are re-normalized to unit L2 norm at the start of
// every encode call, not just at initialization.
package sae

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// Variant identifies an autoencoder architecture.
type Variant string

const (
	VariantL1   Variant = "l1"
	VariantTopK Variant = "topk"
)

// IgnoreValue marks padded/masked positions excluded from the
// reconstruction loss.
const IgnoreValue float32 = -1

// EncodedBatch is the latent code for one batch. Indices is populated
// only by the TopK variant and lists, per flattened example row, the
// dictionary indices retained.
type EncodedBatch struct {
	Latent  *tensor.Tensor
	Indices [][]int
}

// ForwardOutput bundles reconstruction and loss terms for one batch.
type ForwardOutput struct {
	Reconstruction     *tensor.Tensor
	Encoded            *EncodedBatch
	SparsityLoss       float32 // zero for the TopK variant
	ReconstructionLoss float32
}

// Autoencoder is the shared encode/decode contract over both variants.
type Autoencoder interface {
	Variant() Variant
	ActivationSize() int
	NDictComponents() int
	Encode(x *tensor.Tensor) (*EncodedBatch, error)
	Decode(latent *tensor.Tensor) (*tensor.Tensor, error)
	Forward(x *tensor.Tensor) (*ForwardOutput, error)
	Weights() *Weights
}

// Weights is the tied parameter set: W is simultaneously the decoder
// matrix and, transposed, the encoder matrix. There is no independent
// encoder matrix anywhere.
type Weights struct {
	W    *tensor.Tensor // [activationSize, nDict]
	Bias []float32      // encoder bias, [nDict]
}

// NDict resolves the dictionary width: an explicit override wins,
// otherwise activationSize * expansionFactor. The value is fixed for
// the lifetime of the model.
func NDict(activationSize, expansionFactor, override int) int {
	if override > 0 {
		return override
	}
	return activationSize * expansionFactor
}

func newWeights(activationSize, nDict int, seed int64) *Weights {
	w := tensor.New(activationSize, nDict)
	tensor.OrthogonalInit(w, rand.New(rand.NewSource(seed)))
	return &Weights{W: w, Bias: make([]float32, nDict)}
}

// preActivation computes x@W + bias over the flattened [rows, act] view
// of x, after re-applying the unit-norm constraint to W's columns.
func (w *Weights) preActivation(x *tensor.Tensor, activationSize int) (*tensor.Tensor, error) {
	if x.Dim(-1) != activationSize {
		return nil, fmt.Errorf("activation width %d does not match autoencoder size %d", x.Dim(-1), activationSize)
	}
	tensor.NormalizeColumns(w.W)
	pre, err := tensor.MatMul(x.As2D(), w.W)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddRowInPlace(pre, w.Bias); err != nil {
		return nil, err
	}
	return pre, nil
}

// decode projects a latent [.., nDict] back into activation space with
// the shared decoder matrix. No bias term.
func (w *Weights) decode(latent *tensor.Tensor, nDict int) (*tensor.Tensor, error) {
	if latent.Dim(-1) != nDict {
		return nil, fmt.Errorf("latent width %d does not match dictionary size %d", latent.Dim(-1), nDict)
	}
	out, err := tensor.MatMulT(latent.As2D(), w.W)
	if err != nil {
		return nil, err
	}
	shape := append([]int(nil), latent.Shape...)
	shape[len(shape)-1] = w.W.Shape[0]
	return out.Reshape(shape...)
}

// latentShape rewrites x's shape with the dictionary width on the
// trailing axis.
func latentShape(x *tensor.Tensor, nDict int) []int {
	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = nDict
	return shape
}

// maskedMSE is the mean squared error between pred and target with the
// ignore sentinel excluded. Returns 0 when every position is masked.
func maskedMSE(pred, target *tensor.Tensor) float32 {
	var sum float64
	n := 0
	for i, tv := range target.Data {
		if tv == IgnoreValue {
			continue
		}
		d := float64(pred.Data[i] - tv)
		sum += d * d
		n++
	}
	if n == 0 {
		return 0
	}
	return float32(sum / float64(n))
}

// meanL1 is the mean, over flattened example rows, of the L1 norm of
// the latent code along the feature axis.
func meanL1(latent *tensor.Tensor) float32 {
	width := latent.Dim(-1)
	rows := len(latent.Data) / width
	if rows == 0 {
		return 0
	}
	var total float64
	for r := 0; r < rows; r++ {
		var rowSum float64
		for _, v := range latent.Data[r*width : (r+1)*width] {
			rowSum += math.Abs(float64(v))
		}
		total += rowSum
	}
	return float32(total / float64(rows))
}

func observeEncode(v Variant, start time.Time) {
	metrics.RecordEncode(string(v), time.Since(start))
}
