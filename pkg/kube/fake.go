package kube

import (
	"context"
	"sync"
)

// FakeApplyClient records apply/delete calls. Used in tests and dry runs.
type FakeApplyClient struct {
	mu      sync.Mutex
	Applied []string
	Deleted []string
	// Fail maps a manifest path to an error returned for it.
	Fail map[string]error
}

func NewFakeApplyClient() *FakeApplyClient {
	return &FakeApplyClient{Fail: make(map[string]error)}
}

func (f *FakeApplyClient) Apply(ctx context.Context, path, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail[path]; err != nil {
		return err
	}
	f.Applied = append(f.Applied, path)
	return nil
}

func (f *FakeApplyClient) Delete(ctx context.Context, path, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail[path]; err != nil {
		return err
	}
	f.Deleted = append(f.Deleted, path)
	return nil
}

// FakeStatusClient serves scripted statuses keyed by resource reference.
type FakeStatusClient struct {
	mu       sync.Mutex
	statuses map[ResourceRef][]statusStep
	calls    map[ResourceRef]int
}

type statusStep struct {
	status *ObjectStatus
	err    error
}

func NewFakeStatusClient() *FakeStatusClient {
	return &FakeStatusClient{
		statuses: make(map[ResourceRef][]statusStep),
		calls:    make(map[ResourceRef]int),
	}
}

// Set makes every query for ref return the given status.
func (f *FakeStatusClient) Set(ref ResourceRef, status *ObjectStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = []statusStep{{status: status}}
}

// SetSequence makes successive queries for ref walk through the given steps,
// repeating the last one.
func (f *FakeStatusClient) SetSequence(ref ResourceRef, steps ...*ObjectStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := make([]statusStep, len(steps))
	for i, s := range steps {
		seq[i] = statusStep{status: s}
	}
	f.statuses[ref] = seq
}

// SetError makes every query for ref fail with err.
func (f *FakeStatusClient) SetError(ref ResourceRef, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = []statusStep{{err: err}}
}

// Calls returns how many times ref was queried.
func (f *FakeStatusClient) Calls(ref ResourceRef) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

func (f *FakeStatusClient) Status(ctx context.Context, ref ResourceRef) (*ObjectStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[ref]++

	seq, ok := f.statuses[ref]
	if !ok || len(seq) == 0 {
		return &ObjectStatus{Exists: false}, nil
	}

	idx := f.calls[ref] - 1
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	step := seq[idx]
	if step.err != nil {
		return nil, step.err
	}
	return step.status, nil
}
