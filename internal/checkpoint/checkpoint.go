// Package checkpoint persists sparse-autoencoder weights in a compact
// binary format: a fixed header carrying the architecture metadata
// (activation size, variant, variant config as JSON), then the tied
// weight matrix and encoder bias as aligned little-endian float32
// sections. Loading recovers the exact variant and hyperparameters
// before any weight is touched; a header that disagrees with the weight
// sections or with the caller's expectations is rejected.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/sae"
)

const (
	Magic     = 0x43454153 // "SAEC"
	Version   = 1
	alignment = 32
)

// ErrInvalidMagic reports a file that is not a probe checkpoint.
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid checkpoint magic: 0x%08X", e.Magic)
}

// ErrIncompatible reports checkpoint metadata that disagrees with the
// weights it carries or with the construction parameters requested.
type ErrIncompatible struct{ Reason string }

func (e ErrIncompatible) Error() string {
	return fmt.Sprintf("incompatible checkpoint: %s", e.Reason)
}

// Save writes the autoencoder's architecture metadata and weights.
func Save(path string, ae sae.Autoencoder) error {
	var cfgJSON []byte
	var err error
	switch a := ae.(type) {
	case *sae.L1:
		cfgJSON, err = json.Marshal(a.Config())
	case *sae.TopK:
		cfgJSON, err = json.Marshal(a.Config())
	default:
		return ErrIncompatible{Reason: fmt.Sprintf("unknown autoencoder type %T", ae)}
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	w := ae.Weights()
	header := make([]byte, 0, 64+len(cfgJSON))
	header = appendUint32(header, Magic)
	header = appendUint32(header, Version)
	header = appendUint32(header, uint32(ae.ActivationSize()))
	header = appendUint32(header, uint32(ae.NDictComponents()))
	header = appendString(header, string(ae.Variant()))
	header = appendString(header, string(cfgJSON))
	if pad := alignment - len(header)%alignment; pad != alignment {
		header = append(header, make([]byte, pad)...)
	}
	if _, err := f.Write(header); err != nil {
		return err
	}
	if err := writeFloats(f, w.W.Data); err != nil {
		return err
	}
	if err := writeFloats(f, w.Bias); err != nil {
		return err
	}
	logger.Log.Component("checkpoint").Info("checkpoint saved",
		"path", path, "variant", string(ae.Variant()),
		"activation_size", ae.ActivationSize(), "n_dict", ae.NDictComponents())
	return nil
}

// Load maps a checkpoint read-only, reconstructs the recorded variant
// with its recorded hyperparameters, and copies the weights in. The
// mapping is released before returning.
func Load(path string) (sae.Autoencoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap checkpoint: %w", err)
	}
	defer func() {
		_ = syscall.Munmap(data)
	}()

	if len(data) < 16 {
		return nil, io.ErrUnexpectedEOF
	}
	offset := uint64(0)
	magic := binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if magic != Magic {
		return nil, ErrInvalidMagic{Magic: magic}
	}
	version := binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if version != Version {
		return nil, ErrIncompatible{Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	activationSize := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	nDict := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	variant, n, err := readString(data, offset)
	if err != nil {
		return nil, err
	}
	offset += n
	cfgJSON, n, err := readString(data, offset)
	if err != nil {
		return nil, err
	}
	offset += n
	if pad := alignment - offset%alignment; pad != alignment {
		offset += pad
	}

	var ae sae.Autoencoder
	switch sae.Variant(variant) {
	case sae.VariantL1:
		var cfg sae.L1Config
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return nil, ErrIncompatible{Reason: fmt.Sprintf("bad l1 config: %v", err)}
		}
		ae = sae.NewL1(activationSize, cfg)
	case sae.VariantTopK:
		var cfg sae.TopKConfig
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return nil, ErrIncompatible{Reason: fmt.Sprintf("bad topk config: %v", err)}
		}
		ae = sae.NewTopK(activationSize, cfg)
	default:
		return nil, ErrIncompatible{Reason: fmt.Sprintf("unknown variant %q", variant)}
	}
	if ae.NDictComponents() != nDict {
		return nil, ErrIncompatible{Reason: fmt.Sprintf(
			"header n_dict %d disagrees with config-derived %d", nDict, ae.NDictComponents())}
	}

	wantBytes := uint64(activationSize*nDict+nDict) * 4
	if uint64(len(data))-offset < wantBytes {
		return nil, ErrIncompatible{Reason: fmt.Sprintf(
			"weight sections truncated: have %d bytes, want %d", uint64(len(data))-offset, wantBytes)}
	}
	w := ae.Weights()
	readFloats(data[offset:], w.W.Data)
	offset += uint64(len(w.W.Data)) * 4
	readFloats(data[offset:], w.Bias)

	logger.Log.Component("checkpoint").Info("checkpoint loaded",
		"path", path, "variant", variant,
		"activation_size", activationSize, "n_dict", nDict)
	return ae, nil
}

// LoadExpect loads a checkpoint and verifies it matches the variant and
// activation size the caller was constructed for.
func LoadExpect(path string, variant sae.Variant, activationSize int) (sae.Autoencoder, error) {
	ae, err := Load(path)
	if err != nil {
		return nil, err
	}
	if ae.Variant() != variant {
		return nil, ErrIncompatible{Reason: fmt.Sprintf(
			"checkpoint variant %q, requested %q", ae.Variant(), variant)}
	}
	if ae.ActivationSize() != activationSize {
		return nil, ErrIncompatible{Reason: fmt.Sprintf(
			"checkpoint activation size %d, requested %d", ae.ActivationSize(), activationSize)}
	}
	return ae, nil
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendString(b []byte, s string) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
	b = append(b, buf[:]...)
	return append(b, s...)
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if offset+8 > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if offset+8+length > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

func writeFloats(w io.Writer, xs []float32) error {
	buf := make([]byte, len(xs)*4)
	for i, v := range xs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func readFloats(data []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
}
