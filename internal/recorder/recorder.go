// Package recorder captures intermediate activations from an
// instrumented model during a forward pass. Matched submodules are
// hooked for the duration of a single Run; captured tensors are
// assembled per submodule under the capture policy: first capture is
// truncated to the configured channel width, repeat captures within the
// same pass concatenate along the sequence axis, and decoder-side
// captures longer than one position are treated as priming noise and
// discarded.
package recorder

import (
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"

	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/model"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// DefaultTruncateWidth bounds the channel width kept on first capture.
const DefaultTruncateWidth = 50

// ErrNoModulesMatched reports that no submodule name matched any pattern.
type ErrNoModulesMatched struct{ Patterns []string }

func (e ErrNoModulesMatched) Error() string {
	return fmt.Sprintf("no submodules matched patterns %v", e.Patterns)
}

// Recorder hooks matched submodules and accumulates their outputs for
// exactly one pass at a time. Not safe for concurrent passes; use one
// recorder per in-flight caller.
type Recorder struct {
	m       model.Model
	matched []model.NamedModule
	width   int
	custom  model.HookFn
	acts    map[string]*tensor.Tensor
	log     *logger.Logger
}

type Option func(*Recorder)

// WithTruncateWidth overrides the first-capture channel truncation width.
func WithTruncateWidth(w int) Option {
	return func(r *Recorder) { r.width = w }
}

// WithHook substitutes fn for the default caching policy on every
// matched submodule. The substitution is total: none of the caching,
// truncation, concatenation or discard behavior applies.
func WithHook(fn model.HookFn) Option {
	return func(r *Recorder) { r.custom = fn }
}

// New matches the model's submodule names against glob patterns and
// prepares a recorder over the matches, sorted in natural hierarchical
// order so block.2 precedes block.10.
func New(m model.Model, patterns []string, opts ...Option) (*Recorder, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	var matched []model.NamedModule
	for _, nm := range m.NamedModules() {
		for _, g := range globs {
			if g.Match(nm.Name) {
				matched = append(matched, nm)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, ErrNoModulesMatched{Patterns: patterns}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return naturalLess(matched[i].Name, matched[j].Name)
	})

	r := &Recorder{
		m:       m,
		matched: matched,
		width:   DefaultTruncateWidth,
		acts:    make(map[string]*tensor.Tensor),
		log:     logger.Log.Component("recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log.Debug("recorder configured", "patterns", patterns, "matched", len(matched))
	return r, nil
}

// MatchedNames returns the hooked submodule names in capture order.
func (r *Recorder) MatchedNames() []string {
	names := make([]string, len(r.matched))
	for i, nm := range r.matched {
		names[i] = nm.Name
	}
	return names
}

// Run executes one forward pass with hooks installed. The accumulated
// mapping is reset on entry, so stale activations from a previous pass
// can never leak into this one.
func (r *Recorder) Run(input *tensor.Tensor) (*tensor.Tensor, error) {
	r.Reset()
	if err := r.attach(); err != nil {
		r.Detach()
		return nil, err
	}
	start := time.Now()
	out, err := r.m.Forward(input)
	r.Detach()
	if err != nil {
		return nil, fmt.Errorf("instrumented forward: %w", err)
	}
	metrics.RecordForward(time.Since(start))
	return out, nil
}

// Activations returns the mapping accumulated by the last Run. Values
// are owned by the recorder until the next Run or Reset.
func (r *Recorder) Activations() map[string]*tensor.Tensor {
	return r.acts
}

// First returns the activation of the first matched submodule, or nil
// if the last pass captured nothing for it.
func (r *Recorder) First() *tensor.Tensor {
	return r.acts[r.matched[0].Name]
}

// Reset clears the accumulated mapping.
func (r *Recorder) Reset() {
	r.acts = make(map[string]*tensor.Tensor)
}

// Detach removes all interception points. Idempotent and safe after a
// partial attach.
func (r *Recorder) Detach() {
	for _, nm := range r.matched {
		r.m.ClearHook(nm.Name)
	}
}

func (r *Recorder) attach() error {
	for _, nm := range r.matched {
		fn := r.custom
		if fn == nil {
			fn = r.cachingHook(nm.Kind)
		}
		if err := r.m.SetHook(nm.Name, fn); err != nil {
			return fmt.Errorf("attach %s: %w", nm.Name, err)
		}
	}
	return nil
}

// cachingHook is the default capture policy.
func (r *Recorder) cachingHook(kind string) model.HookFn {
	return func(name string, out *tensor.Tensor) {
		if kind == "decoder" && out.Rank() >= 2 && out.Shape[1] > 1 {
			// Priming/seed-token output, not part of the observed signal.
			delete(r.acts, name)
			metrics.RecordCapture("discarded")
			return
		}
		capture := tensor.TruncateLastDim(out, r.width)
		if prev, ok := r.acts[name]; ok {
			cat, err := tensor.ConcatAxis1(prev, capture)
			if err != nil {
				r.log.Warn("capture concat failed", "module", name, "error", err.Error())
				return
			}
			r.acts[name] = cat
			metrics.RecordCapture("concatenated")
			return
		}
		r.acts[name] = capture
		metrics.RecordCapture("cached")
	}
}

// naturalLess orders strings with embedded integers numerically, so
// "blocks.2" sorts before "blocks.10".
func naturalLess(a, b string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			si, sj := i, j
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			na, nb := trimZeros(a[si:i]), trimZeros(b[sj:j])
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			continue
		}
		if ca != cb {
			return ca < cb
		}
		i++
		j++
	}
	return len(a)-i < len(b)-j
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
