package objectstore

import (
	"context"
	"strings"
	"sync"
)

// FaultStore wraps an ObjectStore and fails writes whose name matches a
// configured prefix. It exists for fault-injection tests.
type FaultStore struct {
	ObjectStore

	mu        sync.Mutex
	putPrefix string
	putErr    error
	putCalls  int
}

func NewFaultStore(inner ObjectStore) *FaultStore {
	return &FaultStore{ObjectStore: inner}
}

// FailPuts makes every Put under prefix return err. A nil err clears it.
func (f *FaultStore) FailPuts(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putPrefix = prefix
	f.putErr = err
}

// PutCalls reports how many puts were attempted.
func (f *FaultStore) PutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCalls
}

func (f *FaultStore) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	f.putCalls++
	err := f.putErr
	if err != nil && !strings.HasPrefix(name, f.putPrefix) {
		err = nil
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.ObjectStore.Put(ctx, name, data)
}
