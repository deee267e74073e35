package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-probe/internal/checkpoint"
	"github.com/23skdu/longbow-probe/internal/model"
	"github.com/23skdu/longbow-probe/internal/recorder"
	"github.com/23skdu/longbow-probe/internal/sae"
	"github.com/23skdu/longbow-probe/internal/search"
	"github.com/23skdu/longbow-probe/internal/source"
)

func TestSplitPatterns(t *testing.T) {
	require.Equal(t, []string{"a.*", "b"}, splitPatterns(" a.* , b ,"))
	require.Nil(t, splitPatterns(" , "))
}

// Full pipeline: synthetic corpus, live capture through the reference
// model with an autoencoder loaded from a checkpoint, collection into a
// store, then identical query results live and precomputed.
func TestCollectThenQueryPipeline(t *testing.T) {
	dataDir := t.TempDir()
	outDir := t.TempDir()
	cfg := model.DefaultTranscriberConfig()
	const layer = "decoder.blocks.0.mlp"

	require.NoError(t, writeSyntheticCorpus(dataDir, 5, 8, cfg.NMels, 7))

	ckptPath := filepath.Join(t.TempDir(), "sae.bin")
	require.NoError(t, checkpoint.Save(ckptPath,
		sae.NewL1(cfg.Dim, sae.L1Config{ExpansionFactor: 2, Seed: 3})))
	ae, err := checkpoint.Load(ckptPath)
	require.NoError(t, err)

	newLive := func() *source.Live {
		loader, err := source.NewStoreLoader(dataDir)
		require.NoError(t, err)
		rec, err := recorder.New(model.NewTranscriber(cfg), []string{layer})
		require.NoError(t, err)
		src, err := source.NewLive(loader, rec, ae, layer, 2, 2, 0)
		require.NoError(t, err)
		return src
	}

	live := newLive()
	n, err := drainToStore(live, outDir, layer)
	require.NoError(t, err)
	require.Equal(t, 4, n) // trailing partial batch dropped
	live.Close()

	pre, err := source.NewPrecomputed(outDir, layer, 2, 0)
	require.NoError(t, err)
	defer pre.Close()
	require.Equal(t, []int{cfg.GenTokens, cfg.Dim * 2}, pre.ActivationShape())
	require.Equal(t, 4, pre.Len())

	params := search.QueryParams{FeatureIndex: 3, NResults: 3, IncludePerFileMax: true}

	liveIx, err := search.New(newLive())
	require.NoError(t, err)
	liveOut, err := liveIx.Query(params)
	require.NoError(t, err)

	preIx, err := search.New(pre)
	require.NoError(t, err)
	preOut, err := preIx.Query(params)
	require.NoError(t, err)

	require.Equal(t, len(liveOut.Results), len(preOut.Results))
	for i := range liveOut.Results {
		require.Equal(t, liveOut.Results[i].File, preOut.Results[i].File)
		require.Equal(t, liveOut.Results[i].Score, preOut.Results[i].Score)
		require.Equal(t, liveOut.Results[i].Activation.Data, preOut.Results[i].Activation.Data)
	}
	require.Equal(t, liveOut.PerFileMax, preOut.PerFileMax)
}
