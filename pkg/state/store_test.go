package state_test

import (
	"context"
	"testing"

	"github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/state"
	"github.com/flotilla-dev/flotilla/pkg/state/backend"
	"github.com/flotilla-dev/flotilla/pkg/state/backend/local"
)

func newTestBackend(t *testing.T) backend.Backend {
	t.Helper()
	b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

func newTestStore(t *testing.T) state.Store {
	t.Helper()
	return state.NewStore(newTestBackend(t))
}

func TestBeginHeldLock(t *testing.T) {
	b := newTestBackend(t)
	store := state.NewStore(b)
	ctx := context.Background()

	// Another process holds the app's lock.
	lock, err := b.Lock(ctx, "apps/api", backend.LockInfo{Who: "other", Operation: "begin-deployment"})
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	_, err = store.Begin(ctx, "api", state.Meta{Namespace: "default", Kind: "helm"})
	if !errors.Is(err, errors.ErrCodeLocked) {
		t.Fatalf("expected state locked error, got %v", err)
	}

	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := store.Begin(ctx, "api", state.Meta{Namespace: "default", Kind: "helm"}); err != nil {
		t.Fatalf("Begin after unlock: %v", err)
	}
}

func TestBeginAssignsRevisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Begin(ctx, "api", state.Meta{Namespace: "default", Kind: "helm"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if first.Revision != 1 {
		t.Errorf("first revision: got %d, want 1", first.Revision)
	}
	if first.PreviousRevision != nil {
		t.Errorf("first previous revision: got %v, want nil", *first.PreviousRevision)
	}
	if first.Status != state.StatusRunning {
		t.Errorf("status: got %s, want running", first.Status)
	}

	if err := store.Complete(ctx, "api", first.Revision, state.StatusFailed, "boom"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Revisions keep counting past failures.
	second, err := store.Begin(ctx, "api", state.Meta{Namespace: "default", Kind: "helm"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if second.Revision != 2 {
		t.Errorf("second revision: got %d, want 2", second.Revision)
	}
	if second.PreviousRevision == nil || *second.PreviousRevision != 1 {
		t.Errorf("second previous revision: got %v, want 1", second.PreviousRevision)
	}
}

func TestCompleteSetsTerminalState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.Begin(ctx, "api", state.Meta{})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.Complete(ctx, "api", record.Revision, state.StatusSucceeded, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	records, err := store.History(ctx, state.Filter{App: "api"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
	got := records[0]
	if got.Status != state.StatusSucceeded {
		t.Errorf("status: got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("ended_at not set")
	}
	if !got.Status.Terminal() {
		t.Error("succeeded should be terminal")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		record, err := store.Begin(ctx, "api", state.Meta{})
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if err := store.Complete(ctx, "api", record.Revision, state.StatusSucceeded, ""); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	records, err := store.History(ctx, state.Filter{App: "api"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records: got %d, want 3", len(records))
	}
	for i, r := range records {
		if want := 3 - i; r.Revision != want {
			t.Errorf("record %d: revision %d, want %d", i, r.Revision, want)
		}
	}
}

func TestHistoryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	apps := []struct {
		name      string
		namespace string
	}{
		{"api", "prod"},
		{"web", "prod"},
		{"batch", "staging"},
	}
	for _, a := range apps {
		record, err := store.Begin(ctx, a.name, state.Meta{Namespace: a.namespace})
		if err != nil {
			t.Fatalf("Begin %s: %v", a.name, err)
		}
		if err := store.Complete(ctx, a.name, record.Revision, state.StatusSucceeded, ""); err != nil {
			t.Fatalf("Complete %s: %v", a.name, err)
		}
	}

	prod, err := store.History(ctx, state.Filter{Namespace: "prod"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(prod) != 2 {
		t.Errorf("prod records: got %d, want 2", len(prod))
	}

	limited, err := store.History(ctx, state.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited records: got %d, want 1", len(limited))
	}
}

func TestPreviousSucceeded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No history yet.
	prev, err := store.PreviousSucceeded(ctx, "api")
	if err != nil {
		t.Fatalf("PreviousSucceeded: %v", err)
	}
	if prev != nil {
		t.Fatalf("expected nil, got %+v", prev)
	}

	payload := map[string]interface{}{"chart": "bitnami/nginx"}
	outcomes := []state.Status{state.StatusSucceeded, state.StatusSucceeded, state.StatusFailed}
	for _, status := range outcomes {
		record, err := store.Begin(ctx, "api", state.Meta{Kind: "helm", Payload: payload})
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if err := store.Complete(ctx, "api", record.Revision, status, ""); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	prev, err = store.PreviousSucceeded(ctx, "api")
	if err != nil {
		t.Fatalf("PreviousSucceeded: %v", err)
	}
	if prev == nil {
		t.Fatal("expected a record")
	}
	if prev.Revision != 2 {
		t.Errorf("revision: got %d, want 2", prev.Revision)
	}
	if prev.Payload["chart"] != "bitnami/nginx" {
		t.Errorf("payload snapshot: got %v", prev.Payload)
	}
}
