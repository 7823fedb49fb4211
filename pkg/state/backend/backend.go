// Package backend defines the durable storage interface for deployment
// records and a registry of backend implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when the requested path does not exist.
var ErrNotFound = errors.New("not found")

// ErrLocked is returned when a lock is already held.
var ErrLocked = errors.New("state is locked")

// Backend is a durable blob store addressed by slash-separated paths.
type Backend interface {
	// Type returns the backend identifier (e.g. "local", "s3").
	Type() string

	// Read opens the blob at path. Returns ErrNotFound if absent.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write stores the blob at path, replacing any existing content.
	Write(ctx context.Context, path string, data io.Reader) error

	// Delete removes the blob at path. Deleting a missing path is not an
	// error.
	Delete(ctx context.Context, path string) error

	// List returns the paths of all blobs under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether a blob exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Lock acquires an advisory lock covering path.
	Lock(ctx context.Context, path string, info LockInfo) (Lock, error)
}

// LockInfo contains metadata about a lock holder.
type LockInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Who       string    `json:"who"`
	Operation string    `json:"operation"`
	Created   time.Time `json:"created"`
}

// Lock is a held advisory lock.
type Lock interface {
	ID() string
	Unlock(ctx context.Context) error
	Info() LockInfo
}

// LockError reports a failed lock acquisition.
type LockError struct {
	Info LockInfo
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%v (held by %s for %s since %s)", e.Err, e.Info.Who, e.Info.Operation, e.Info.Created.Format(time.RFC3339))
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// Factory creates a backend from its configuration options.
type Factory func(config map[string]string) (Backend, error)

// Config selects and configures a backend.
type Config struct {
	Type    string
	Options map[string]string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend factory available by name. Called from backend
// package init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create instantiates the backend named by config.
func Create(config Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[config.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown state backend %q (registered: %v)", config.Type, Registered())
	}
	return factory(config.Options)
}

// Registered returns the names of all registered backends, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
