package model

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-probe/internal/tensor"
)

// TranscriberConfig holds the dimensions of the reference speech model.
type TranscriberConfig struct {
	NMels         int // input feature channels per frame
	Dim           int // residual stream width
	Hidden        int // mlp hidden width
	EncoderLayers int
	DecoderLayers int
	PrimeLen      int // seed tokens fed to the decoder before generation
	GenTokens     int // autoregressive decode steps per forward
	Seed          int64
}

// DefaultTranscriberConfig returns a small configuration suitable for
// probing experiments and tests.
func DefaultTranscriberConfig() TranscriberConfig {
	return TranscriberConfig{
		NMels:         16,
		Dim:           32,
		Hidden:        64,
		EncoderLayers: 2,
		DecoderLayers: 2,
		PrimeLen:      2,
		GenTokens:     3,
		Seed:          1,
	}
}

type mlp struct {
	w1 *tensor.Tensor // [dim, hidden]
	w2 *tensor.Tensor // [hidden, dim]
}

func (m *mlp) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := tensor.MatMul(x.As2D(), m.w1)
	if err != nil {
		return nil, err
	}
	tensor.ReLUInPlace(h)
	out, err := tensor.MatMul(h, m.w2)
	if err != nil {
		return nil, err
	}
	shape := append([]int(nil), x.Shape...)
	return out.Reshape(shape...)
}

// Transcriber is a reference encoder/decoder speech model. The encoder
// projects mel frames into the residual stream and runs mlp blocks over
// the full sequence; the decoder first consumes a multi-token priming
// step and then generates one token at a time, so decoder submodules
// fire once per generated token with sequence length 1.
type Transcriber struct {
	Config  TranscriberConfig
	proj    *tensor.Tensor // [nmels, dim]
	encoder []*mlp
	decoder []*mlp
	modules []NamedModule
	hooks   *hookSet
}

func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	rng := rand.New(rand.NewSource(cfg.Seed))
	initMat := func(rows, cols int) *tensor.Tensor {
		w := tensor.New(rows, cols)
		scale := float32(0.2)
		for i := range w.Data {
			w.Data[i] = float32(rng.NormFloat64()) * scale
		}
		return w
	}
	t := &Transcriber{
		Config: cfg,
		proj:   initMat(cfg.NMels, cfg.Dim),
	}
	t.modules = append(t.modules, NamedModule{Name: "encoder.conv", Kind: "encoder"})
	for i := 0; i < cfg.EncoderLayers; i++ {
		t.encoder = append(t.encoder, &mlp{w1: initMat(cfg.Dim, cfg.Hidden), w2: initMat(cfg.Hidden, cfg.Dim)})
		t.modules = append(t.modules, NamedModule{Name: fmt.Sprintf("encoder.blocks.%d.mlp", i), Kind: "encoder"})
	}
	for i := 0; i < cfg.DecoderLayers; i++ {
		t.decoder = append(t.decoder, &mlp{w1: initMat(cfg.Dim, cfg.Hidden), w2: initMat(cfg.Hidden, cfg.Dim)})
		t.modules = append(t.modules, NamedModule{Name: fmt.Sprintf("decoder.blocks.%d.mlp", i), Kind: "decoder"})
	}
	t.hooks = newHookSet(t.modules)
	return t
}

func (t *Transcriber) NamedModules() []NamedModule {
	return append([]NamedModule(nil), t.modules...)
}

func (t *Transcriber) SetHook(name string, fn HookFn) error {
	return t.hooks.set(name, fn)
}

func (t *Transcriber) ClearHook(name string) {
	t.hooks.clear(name)
}

// Forward evaluates the full model on mels [batch, frames, nmels] and
// returns the final decoder state [batch, genTokens, dim].
func (t *Transcriber) Forward(mels *tensor.Tensor) (*tensor.Tensor, error) {
	if mels.Rank() != 3 || mels.Dim(-1) != t.Config.NMels {
		return nil, fmt.Errorf("transcriber input must be [batch, frames, %d], got %v", t.Config.NMels, mels.Shape)
	}
	bsz, frames := mels.Shape[0], mels.Shape[1]

	flat, err := tensor.MatMul(mels.As2D(), t.proj)
	if err != nil {
		return nil, err
	}
	x, err := flat.Reshape(bsz, frames, t.Config.Dim)
	if err != nil {
		return nil, err
	}
	t.hooks.emit("encoder.conv", x)

	for i, blk := range t.encoder {
		out, err := blk.forward(x)
		if err != nil {
			return nil, err
		}
		t.hooks.emit(fmt.Sprintf("encoder.blocks.%d.mlp", i), out)
		x = out
	}

	// Audio summary conditions the decoder: mean over frames.
	summary := tensor.New(bsz, 1, t.Config.Dim)
	for b := 0; b < bsz; b++ {
		for f := 0; f < frames; f++ {
			row := x.Data[(b*frames+f)*t.Config.Dim : (b*frames+f+1)*t.Config.Dim]
			dst := summary.Data[b*t.Config.Dim : (b+1)*t.Config.Dim]
			for d := range row {
				dst[d] += row[d] / float32(frames)
			}
		}
	}

	// Priming step: PrimeLen seed positions in one decoder evaluation.
	prime := tensor.New(bsz, t.Config.PrimeLen, t.Config.Dim)
	for b := 0; b < bsz; b++ {
		for p := 0; p < t.Config.PrimeLen; p++ {
			copy(prime.Data[(b*t.Config.PrimeLen+p)*t.Config.Dim:(b*t.Config.PrimeLen+p+1)*t.Config.Dim],
				summary.Data[b*t.Config.Dim:(b+1)*t.Config.Dim])
		}
	}
	state, err := t.decodeStep(prime)
	if err != nil {
		return nil, err
	}

	// Autoregressive generation: one position per step.
	var gen *tensor.Tensor
	step := tensor.New(bsz, 1, t.Config.Dim)
	for b := 0; b < bsz; b++ {
		last := state.Data[(b*t.Config.PrimeLen+t.Config.PrimeLen-1)*t.Config.Dim : (b*t.Config.PrimeLen+t.Config.PrimeLen)*t.Config.Dim]
		copy(step.Data[b*t.Config.Dim:(b+1)*t.Config.Dim], last)
	}
	for i := 0; i < t.Config.GenTokens; i++ {
		out, err := t.decodeStep(step)
		if err != nil {
			return nil, err
		}
		if gen == nil {
			gen = out
		} else {
			gen, err = tensor.ConcatAxis1(gen, out)
			if err != nil {
				return nil, err
			}
		}
		step = out
	}
	return gen, nil
}

func (t *Transcriber) decodeStep(x *tensor.Tensor) (*tensor.Tensor, error) {
	for i, blk := range t.decoder {
		out, err := blk.forward(x)
		if err != nil {
			return nil, err
		}
		t.hooks.emit(fmt.Sprintf("decoder.blocks.%d.mlp", i), out)
		x = out
	}
	return x, nil
}
