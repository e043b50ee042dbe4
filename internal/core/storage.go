package core

import (
	"fmt"
	"os"

	"surveycore/internal/infra/persistence/memory"
	"surveycore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral sessions)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

func newMemoryStore(engine *RulesEngine) *memory.Store {
	return memory.NewStore(engine)
}

// NewMemoryStore constructs the in-memory store used for tests and
// ephemeral editor sessions.
func NewMemoryStore(engine *RulesEngine) *memory.Store {
	return newMemoryStore(engine)
}

// OpenPersistentStore selects a backend using environment variables.
// Defaults to memory when unset; durable backends are an operator opt-in.
//
//	SURVEYCORE_STORAGE_DRIVER: memory|sqlite|postgres (default memory)
//	SURVEYCORE_SQLITE_PATH: path to sqlite file (default ./surveycore.db)
//	SURVEYCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	driver := os.Getenv("SURVEYCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageMemory)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return newMemoryStore(engine), nil
	case StorageSQLite:
		path := os.Getenv("SURVEYCORE_SQLITE_PATH")
		return NewSQLiteStore(path, engine)
	case StoragePostgres:
		dsn := os.Getenv("SURVEYCORE_POSTGRES_DSN")
		return NewPostgresStore(dsn, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
