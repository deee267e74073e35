package checkpoint

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-probe/internal/sae"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

func TestSaveLoadL1RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l1.sae")

	orig := sae.NewL1(8, sae.L1Config{ExpansionFactor: 4, ReconAlpha: 0.5, Seed: 11})
	require.NoError(t, Save(path, orig))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, sae.VariantL1, loaded.Variant())
	require.Equal(t, 8, loaded.ActivationSize())
	require.Equal(t, 32, loaded.NDictComponents())

	l1, ok := loaded.(*sae.L1)
	require.True(t, ok)
	require.Equal(t, float32(0.5), l1.Config().ReconAlpha)

	// Bit-identical weights
	require.Equal(t, orig.Weights().W.Data, loaded.Weights().W.Data)
	require.Equal(t, orig.Weights().Bias, loaded.Weights().Bias)

	// Same code on the same input
	x := tensor.New(1, 2, 8)
	for i := range x.Data {
		x.Data[i] = float32(i) * 0.1
	}
	a, err := orig.Encode(x)
	require.NoError(t, err)
	b, err := loaded.Encode(x)
	require.NoError(t, err)
	require.Equal(t, a.Latent.Data, b.Latent.Data)
}

func TestSaveLoadTopKRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topk.sae")

	orig := sae.NewTopK(6, sae.TopKConfig{NDictComponents: 24, K: 5, Seed: 3})
	require.NoError(t, Save(path, orig))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, sae.VariantTopK, loaded.Variant())
	tk, ok := loaded.(*sae.TopK)
	require.True(t, ok)
	require.Equal(t, 5, tk.Config().K)
	require.Equal(t, 24, loaded.NDictComponents())
}

func TestLoadExpect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l1.sae")
	require.NoError(t, Save(path, sae.NewL1(8, sae.L1Config{ExpansionFactor: 2})))

	_, err := LoadExpect(path, sae.VariantL1, 8)
	require.NoError(t, err)

	_, err = LoadExpect(path, sae.VariantTopK, 8)
	require.Error(t, err)
	require.IsType(t, ErrIncompatible{}, err)

	_, err = LoadExpect(path, sae.VariantL1, 16)
	require.Error(t, err)
	require.IsType(t, ErrIncompatible{}, err)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus.sae")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.IsType(t, ErrInvalidMagic{}, err)
}

func TestLoadRejectsTruncatedWeights(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trunc.sae")
	require.NoError(t, Save(path, sae.NewL1(8, sae.L1Config{ExpansionFactor: 2})))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-32], 0o644))

	_, err = Load(path)
	require.Error(t, err)
	require.IsType(t, ErrIncompatible{}, err)
}

func TestLoadRejectsHeaderMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mismatch.sae")
	require.NoError(t, Save(path, sae.NewL1(8, sae.L1Config{ExpansionFactor: 2})))

	// Corrupt the header's n_dict field so it disagrees with the config.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[12:], 999)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(path)
	require.Error(t, err)
	require.IsType(t, ErrIncompatible{}, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/x.sae")
	require.Error(t, err)
}
