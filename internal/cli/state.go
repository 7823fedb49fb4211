package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/flotilla-dev/flotilla/pkg/state"
	"github.com/flotilla-dev/flotilla/pkg/state/backend"
	"github.com/flotilla-dev/flotilla/pkg/state/backend/sqlite"

	// Import blob backends to register them via init()
	_ "github.com/flotilla-dev/flotilla/pkg/state/backend/local"
	_ "github.com/flotilla-dev/flotilla/pkg/state/backend/s3"
)

// Environment variable names for state backend configuration.
const (
	// EnvStateBackend sets the state backend type (local, s3, sqlite).
	EnvStateBackend = "FLOTILLA_STATE_BACKEND"

	// EnvStatePrefix is the prefix for backend-specific config environment
	// variables. For example, FLOTILLA_STATE_PATH sets the "path" config of
	// the local backend and FLOTILLA_STATE_BUCKET the "bucket" config of s3.
	EnvStatePrefix = "FLOTILLA_STATE_"
)

// createStore creates a deployment record store with the given backend type
// and config.
//
// Configuration precedence (highest to lowest):
//  1. CLI flags (--backend, --backend-config)
//  2. Environment variables (FLOTILLA_STATE_BACKEND, FLOTILLA_STATE_*)
//  3. Hardcoded defaults (local backend with ~/.flotilla/state)
func createStore(backendType string, backendConfig []string) (state.Store, error) {
	// Start with hardcoded default
	effectiveBackend := "local"
	effectiveConfig := make(map[string]string)

	// Apply environment variables
	if envBackend := os.Getenv(EnvStateBackend); envBackend != "" {
		effectiveBackend = envBackend
	}

	// Check for backend-specific env vars (FLOTILLA_STATE_PATH, ...)
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, EnvStatePrefix) && !strings.HasPrefix(env, EnvStateBackend) {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				key := strings.ToLower(strings.TrimPrefix(parts[0], EnvStatePrefix))
				effectiveConfig[key] = parts[1]
			}
		}
	}

	// Apply CLI flags (highest priority)
	if backendType != "" {
		effectiveBackend = backendType
	}

	for _, c := range backendConfig {
		parts := strings.SplitN(c, "=", 2)
		if len(parts) == 2 {
			effectiveConfig[parts[0]] = parts[1]
		}
	}

	// The sqlite store speaks SQL directly rather than going through the
	// blob backend interface.
	if effectiveBackend == "sqlite" {
		dsn := effectiveConfig["path"]
		if dsn == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			dir := filepath.Join(home, ".flotilla")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			dsn = filepath.Join(dir, "state.db")
		}
		return sqlite.Open(dsn)
	}

	b, err := backend.Create(backend.Config{
		Type:    effectiveBackend,
		Options: effectiveConfig,
	})
	if err != nil {
		return nil, err
	}
	return state.NewStore(b), nil
}
