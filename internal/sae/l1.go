package sae

import (
	"time"

	"github.com/23skdu/longbow-probe/internal/tensor"
)

// L1Config holds the L1 variant's hyperparameters.
type L1Config struct {
	ExpansionFactor int     `json:"expansion_factor" yaml:"expansion_factor"`
	NDictComponents int     `json:"n_dict_components" yaml:"n_dict_components"` // 0 = derive
	ReconAlpha      float32 `json:"recon_alpha" yaml:"recon_alpha"`
	Seed            int64   `json:"seed" yaml:"seed"`
}

// L1 is the L1-penalized autoencoder: rectified tied-weight code with a
// mean-L1 sparsity penalty.
type L1 struct {
	cfg            L1Config
	activationSize int
	nDict          int
	weights        *Weights
}

func NewL1(activationSize int, cfg L1Config) *L1 {
	nDict := NDict(activationSize, cfg.ExpansionFactor, cfg.NDictComponents)
	return &L1{
		cfg:            cfg,
		activationSize: activationSize,
		nDict:          nDict,
		weights:        newWeights(activationSize, nDict, cfg.Seed),
	}
}

func (a *L1) Variant() Variant     { return VariantL1 }
func (a *L1) ActivationSize() int  { return a.activationSize }
func (a *L1) NDictComponents() int { return a.nDict }
func (a *L1) Weights() *Weights    { return a.weights }
func (a *L1) Config() L1Config     { return a.cfg }

// Encode rectifies the tied pre-activation code. Every latent entry is
// nonnegative.
func (a *L1) Encode(x *tensor.Tensor) (*EncodedBatch, error) {
	start := time.Now()
	pre, err := a.weights.preActivation(x, a.activationSize)
	if err != nil {
		return nil, err
	}
	tensor.ReLUInPlace(pre)
	latent, err := pre.Reshape(latentShape(x, a.nDict)...)
	if err != nil {
		return nil, err
	}
	observeEncode(VariantL1, start)
	return &EncodedBatch{Latent: latent}, nil
}

func (a *L1) Decode(latent *tensor.Tensor) (*tensor.Tensor, error) {
	return a.weights.decode(latent, a.nDict)
}

func (a *L1) Forward(x *tensor.Tensor) (*ForwardOutput, error) {
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
		SparsityLoss:       meanL1(enc.Latent),
		ReconstructionLoss: a.cfg.ReconAlpha * maskedMSE(recon, x),
	}, nil
}
