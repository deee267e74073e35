// Package model defines the boundary the probe requires of an
// instrumentable network: enumerable named submodules with stable
// hierarchical names, a hook point observing each submodule's output,
// and a forward entry point.
package model

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-probe/internal/tensor"
)

// HookFn observes one submodule's output during a forward pass. The
// tensor passed in is owned by the model; hooks must copy what they keep.
type HookFn func(name string, output *tensor.Tensor)

// NamedModule pairs a submodule with its hierarchical dotted name.
type NamedModule struct {
	Name string
	Kind string // "encoder" or "decoder" side, used by capture policies
}

// Model is the minimal contract an instrumentable network satisfies.
type Model interface {
	// NamedModules enumerates submodules in a stable order.
	NamedModules() []NamedModule
	// SetHook installs fn on the named submodule, replacing any prior hook.
	SetHook(name string, fn HookFn) error
	// ClearHook removes the hook on the named submodule; unknown names are a no-op.
	ClearHook(name string)
	// Forward runs one full evaluation of the network.
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
}

// ErrUnknownModule reports a SetHook against a name the model does not have.
type ErrUnknownModule struct{ Name string }

func (e ErrUnknownModule) Error() string {
	return fmt.Sprintf("unknown submodule %q", e.Name)
}

// hookSet is the hook registry shared by model implementations.
type hookSet struct {
	hooks map[string]HookFn
	names map[string]string // name -> kind
}

func newHookSet(modules []NamedModule) *hookSet {
	names := make(map[string]string, len(modules))
	for _, m := range modules {
		names[m.Name] = m.Kind
	}
	return &hookSet{hooks: make(map[string]HookFn), names: names}
}

func (h *hookSet) set(name string, fn HookFn) error {
	if _, ok := h.names[name]; !ok {
		return ErrUnknownModule{Name: name}
	}
	h.hooks[name] = fn
	return nil
}

func (h *hookSet) clear(name string) {
	delete(h.hooks, name)
}

func (h *hookSet) emit(name string, out *tensor.Tensor) {
	if fn, ok := h.hooks[name]; ok {
		fn(name, out)
	}
}

func (h *hookSet) sortedNames() []string {
	out := make([]string, 0, len(h.names))
	for n := range h.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
