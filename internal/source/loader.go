package source

import (
	"github.com/23skdu/longbow-probe/internal/store"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// InputStoreName is the store name under which raw model inputs are
// collected, distinguishing them from per-layer activation stores in
// the same directory.
const InputStoreName = "inputs"

// StoreLoader replays raw model inputs out of a tensor store, so a
// corpus can be decoded once and fed to live sources many times.
type StoreLoader struct {
	st *store.Store
}

func NewStoreLoader(dir string) (*StoreLoader, error) {
	st, err := store.Open(dir, InputStoreName, 0)
	if err != nil {
		return nil, err
	}
	return &StoreLoader{st: st}, nil
}

func (l *StoreLoader) Len() int { return l.st.Len() }

func (l *StoreLoader) Load(i int) (*tensor.Tensor, string, error) {
	return l.st.Row(i)
}

func (l *StoreLoader) Close() error { return l.st.Close() }
