package store

import (
	"fmt"
	"os"
	"path/filepath"

	"gatewaykit/internal/domain"
)

// Supported drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open returns the session store for driver. path is only used by sqlite.
func Open(driver, path string) (domain.SessionStore, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemorySessionStore(), nil
	case DriverSQLite:
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create session db dir: %w", err)
			}
		}
		return NewSQLiteSessionStore(path)
	default:
		return nil, domain.NewDomainError("store.Open", domain.ErrInvalidInput, fmt.Sprintf("unknown driver %q", driver))
	}
}
