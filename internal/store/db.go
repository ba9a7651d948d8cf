package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the session-owned chatsync.db.
// It is the single source of truth for persisted sync state; workers read
// pending work from it and record every state transition through it.
type DB struct {
	*sql.DB

	mu    sync.Mutex
	hooks []func(kind string)
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// AddChangeHook registers fn to be called after writes, with a kind string
// such as "message.queued" or "attachment.queued". Workers use this to wake
// up without waiting for their next poll tick. Hooks must not block.
func (db *DB) AddChangeHook(fn func(kind string)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hooks = append(db.hooks, fn)
}

func (db *DB) notify(kind string) {
	db.mu.Lock()
	hooks := db.hooks
	db.mu.Unlock()
	for _, fn := range hooks {
		fn(kind)
	}
}
