package state

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/state/backend"
)

// blobStore implements Store over a blob backend. Records are JSON
// documents at apps/<app>/revisions/<revision>.json.
type blobStore struct {
	backend backend.Backend

	// mu serializes revision assignment within this process; the backend
	// lock covers concurrent orchestrator processes.
	mu sync.Mutex
}

// NewStore creates a record store over the given backend.
func NewStore(b backend.Backend) Store {
	return &blobStore{backend: b}
}

func (s *blobStore) Begin(ctx context.Context, app string, meta Meta) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.backend.Lock(ctx, path.Join("apps", app), backend.LockInfo{
		Who:       "flotilla",
		Operation: "begin-deployment",
	})
	if err != nil {
		var lockErr *backend.LockError
		if stderrors.As(err, &lockErr) {
			return nil, errors.StateLocked(errors.LockInfo{
				ID:        lockErr.Info.ID,
				Path:      lockErr.Info.Path,
				Who:       lockErr.Info.Who,
				Operation: lockErr.Info.Operation,
				Created:   lockErr.Info.Created,
			})
		}
		return nil, errors.BackendError(s.backend.Type(), "lock", err)
	}
	defer lock.Unlock(ctx)

	records, err := s.appRecords(ctx, app)
	if err != nil {
		return nil, err
	}

	record := &Record{
		App:       app,
		Revision:  1,
		Namespace: meta.Namespace,
		Kind:      meta.Kind,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
		Payload:   meta.Payload,
	}

	if len(records) > 0 {
		newest := records[0]
		record.Revision = newest.Revision + 1
		prev := newest.Revision
		record.PreviousRevision = &prev
	}

	if err := s.writeRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *blobStore) Complete(ctx context.Context, app string, revision int, status Status, errSummary string) error {
	record, err := s.readRecord(ctx, app, revision)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record.Status = status
	record.EndedAt = &now
	record.Error = errSummary

	return s.writeRecord(ctx, record)
}

func (s *blobStore) History(ctx context.Context, filter Filter) ([]Record, error) {
	prefix := "apps/"
	if filter.App != "" {
		prefix = path.Join("apps", filter.App) + "/"
	}

	paths, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, p := range paths {
		if !strings.HasSuffix(p, ".json") || !strings.Contains(p, "/revisions/") {
			continue
		}
		record, err := readJSON[Record](ctx, s.backend, p)
		if err != nil {
			continue // Skip records that can't be read
		}
		if filter.Namespace != "" && record.Namespace != filter.Namespace {
			continue
		}
		records = append(records, *record)
	}

	// Newest first: by start time, then by revision for same-app ties.
	sort.Slice(records, func(i, j int) bool {
		if records[i].App == records[j].App {
			return records[i].Revision > records[j].Revision
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (s *blobStore) PreviousSucceeded(ctx context.Context, app string) (*Record, error) {
	records, err := s.appRecords(ctx, app)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if record.Status == StatusSucceeded {
			return &record, nil
		}
	}
	return nil, nil
}

func (s *blobStore) Close() error {
	return nil
}

// appRecords returns all records for the app, newest revision first.
func (s *blobStore) appRecords(ctx context.Context, app string) ([]Record, error) {
	prefix := path.Join("apps", app, "revisions") + "/"
	paths, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, p := range paths {
		if !strings.HasSuffix(p, ".json") {
			continue
		}
		record, err := readJSON[Record](ctx, s.backend, p)
		if err != nil {
			continue
		}
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Revision > records[j].Revision
	})
	return records, nil
}

func (s *blobStore) readRecord(ctx context.Context, app string, revision int) (*Record, error) {
	return readJSON[Record](ctx, s.backend, recordPath(app, revision))
}

func (s *blobStore) writeRecord(ctx context.Context, record *Record) error {
	return writeJSON(ctx, s.backend, recordPath(record.App, record.Revision), record)
}

// Path helpers

func recordPath(app string, revision int) string {
	return path.Join("apps", app, "revisions", strconv.Itoa(revision)+".json")
}

// JSON helpers

func readJSON[T any](ctx context.Context, b backend.Backend, p string) (*T, error) {
	reader, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var result T
	if err := json.NewDecoder(reader).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	return &result, nil
}

func writeJSON(ctx context.Context, b backend.Backend, p string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return b.Write(ctx, p, bytes.NewReader(content))
}
