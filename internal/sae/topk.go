package sae

import (
	"sort"
	"time"

	"github.com/23skdu/longbow-probe/internal/tensor"
)

// TopKConfig holds the TopK variant's hyperparameters.
type TopKConfig struct {
	ExpansionFactor int     `json:"expansion_factor" yaml:"expansion_factor"`
	NDictComponents int     `json:"n_dict_components" yaml:"n_dict_components"` // 0 = derive
	K               int     `json:"k" yaml:"k"`
	ReconAlpha      float32 `json:"recon_alpha" yaml:"recon_alpha"`
	Seed            int64   `json:"seed" yaml:"seed"`
}

// TopK keeps only the K largest-magnitude pre-activation entries per
// example and zeroes the rest. Sparsity is structural, so Forward has
// no separate sparsity loss term.
type TopK struct {
	cfg            TopKConfig
	activationSize int
	nDict          int
	weights        *Weights
}

func NewTopK(activationSize int, cfg TopKConfig) *TopK {
	nDict := NDict(activationSize, cfg.ExpansionFactor, cfg.NDictComponents)
	return &TopK{
		cfg:            cfg,
		activationSize: activationSize,
		nDict:          nDict,
		weights:        newWeights(activationSize, nDict, cfg.Seed),
	}
}

func (a *TopK) Variant() Variant     { return VariantTopK }
func (a *TopK) ActivationSize() int  { return a.activationSize }
func (a *TopK) NDictComponents() int { return a.nDict }
func (a *TopK) Weights() *Weights    { return a.weights }
func (a *TopK) Config() TopKConfig   { return a.cfg }

// Encode returns the sparse code and, per flattened example row, the
// dictionary indices that survived selection in ascending order.
// Pre-activations that are exactly zero are never retained, so a row
// may hold fewer than K nonzero entries.
func (a *TopK) Encode(x *tensor.Tensor) (*EncodedBatch, error) {
	start := time.Now()
	pre, err := a.weights.preActivation(x, a.activationSize)
	if err != nil {
		return nil, err
	}
	rows := pre.Shape[0]
	latent := tensor.New(pre.Shape...)
	indices := make([][]int, rows)
	order := make([]int, a.nDict)
	for r := 0; r < rows; r++ {
		row := pre.Row(r)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool {
			ai, aj := row[order[i]], row[order[j]]
			if ai < 0 {
				ai = -ai
			}
			if aj < 0 {
				aj = -aj
			}
			return ai > aj
		})
		kept := make([]int, 0, a.cfg.K)
		out := latent.Row(r)
		for _, idx := range order[:min(a.cfg.K, a.nDict)] {
			if row[idx] == 0 {
				break // remaining candidates are all zero too
			}
			out[idx] = row[idx]
			kept = append(kept, idx)
		}
		sort.Ints(kept)
		indices[r] = kept
	}
	reshaped, err := latent.Reshape(latentShape(x, a.nDict)...)
	if err != nil {
		return nil, err
	}
	observeEncode(VariantTopK, start)
	return &EncodedBatch{Latent: reshaped, Indices: indices}, nil
}

func (a *TopK) Decode(latent *tensor.Tensor) (*tensor.Tensor, error) {
	return a.weights.decode(latent, a.nDict)
}

func (a *TopK) Forward(x *tensor.Tensor) (*ForwardOutput, error) {
	enc, err := a.Encode(x)
	if err != nil {
		return nil, err
	}
	recon, err := a.Decode(enc.Latent)
	if err != nil {
		return nil, err
	}
	return &ForwardOutput{
		Reconstruction:     recon,
		Encoded:            enc,
		ReconstructionLoss: a.cfg.ReconAlpha * maskedMSE(recon, x),
	}, nil
}
