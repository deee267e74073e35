// collect drains a live activation source into a precomputed store,
// paying the model forward cost once so probed can serve queries from
// a memory-mapped corpus. With -synth it first writes a deterministic
// synthetic input corpus, which is enough to exercise the full
// pipeline end to end.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/23skdu/longbow-probe/internal/checkpoint"
	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/model"
	"github.com/23skdu/longbow-probe/internal/recorder"
	"github.com/23skdu/longbow-probe/internal/sae"
	"github.com/23skdu/longbow-probe/internal/source"
	"github.com/23skdu/longbow-probe/internal/store"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

var (
	dataDir   = flag.String("data", "", "Directory of the input store to collect from")
	outDir    = flag.String("out", "", "Directory to write the activation store to")
	layerName = flag.String("layer", "", "Layer name recorded in the store manifest")
	patterns  = flag.String("patterns", "decoder.blocks.*.mlp", "Comma-separated layer name patterns")
	saePath   = flag.String("checkpoint", "", "Sparse autoencoder checkpoint; activations are stored encoded")
	batchSize = flag.Int("batch", 16, "Forward batch size")
	workers   = flag.Int("workers", 4, "Input prefetch workers")
	subset    = flag.Int("subset", 0, "Limit corpus to first N examples (0 = all)")
	width     = flag.Int("width", recorder.DefaultTruncateWidth, "Channel truncation width on capture")
	synth     = flag.Int("synth", 0, "Generate a synthetic input corpus of N examples first")
	frames    = flag.Int("frames", 8, "Frames per synthetic input")
	seed      = flag.Int64("seed", 42, "Synthetic corpus seed")
	logLevel  = flag.String("log-level", "info", "Log level")
	logFormat = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.Component("collect")

	if *dataDir == "" || *outDir == "" || *layerName == "" {
		fmt.Fprintln(os.Stderr, "Error: -data, -out and -layer are required")
		flag.Usage()
		os.Exit(1)
	}

	cfg := model.DefaultTranscriberConfig()
	if *synth > 0 {
		if err := writeSyntheticCorpus(*dataDir, *synth, *frames, cfg.NMels, *seed); err != nil {
			log.Fatal("synthetic corpus generation failed", "error", err)
		}
		log.Info("synthetic corpus written", "dir", *dataDir, "examples", *synth)
	}

	loader, err := source.NewStoreLoader(*dataDir)
	if err != nil {
		log.Fatal("open input store failed", "error", err)
	}
	defer loader.Close()

	m := model.NewTranscriber(cfg)
	rec, err := recorder.New(m, splitPatterns(*patterns),
		recorder.WithTruncateWidth(*width))
	if err != nil {
		log.Fatal("recorder initialization failed", "error", err)
	}

	var ae sae.Autoencoder
	if *saePath != "" {
		ae, err = checkpoint.Load(*saePath)
		if err != nil {
			log.Fatal("load autoencoder failed", "error", err)
		}
		log.Info("encoding with autoencoder", "variant", ae.Variant(),
			"n_dict", ae.NDictComponents())
	}

	src, err := source.NewLive(loader, rec, ae, *layerName, *batchSize, *workers, *subset)
	if err != nil {
		log.Fatal("live source initialization failed", "error", err)
	}
	defer src.Close()

	n, err := drainToStore(src, *outDir, *layerName)
	if err != nil {
		log.Fatal("collection failed", "error", err)
	}
	log.Info("collection complete", "dir", *outDir, "layer", *layerName,
		"examples", n, "activation_shape", src.ActivationShape())
}

func splitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// drainToStore runs one full pass, unstacking each batch into
// per-example rows.
func drainToStore(src source.Source, dir, layer string) (int, error) {
	w := store.NewWriter(dir, layer)
	n := 0
	it := src.Batches()
	defer it.Close()
	for {
		batch, err := it.Next()
		if err != nil {
			return n, err
		}
		if batch == nil {
			break
		}
		exShape := batch.Activations.Shape[1:]
		per := tensor.NumElems(exShape)
		for i, file := range batch.Files {
			row := tensor.New(exShape...)
			copy(row.Data, batch.Activations.Data[i*per:(i+1)*per])
			w.Append(file, row)
			n++
		}
	}
	return n, w.Flush()
}

func writeSyntheticCorpus(dir string, n, frames, nmels int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	w := store.NewWriter(dir, source.InputStoreName)
	for i := 0; i < n; i++ {
		x := tensor.New(frames, nmels)
		for j := range x.Data {
			x.Data[j] = float32(rng.NormFloat64())
		}
		w.Append(fmt.Sprintf("synthetic_%04d.flac", i), x)
	}
	return w.Flush()
}
