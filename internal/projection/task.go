// Package projection keeps the search index in step with dataset rows
// through a retrying task queue stored next to the data.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the change a task projects into the index.
type Kind string

const (
	KindReindex  Kind = "reindex"
	KindDownload Kind = "download"
	KindDelete   Kind = "delete"
	KindRestore  Kind = "restore"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindReindex, KindDownload, KindDelete, KindRestore:
		return true
	}
	return false
}

// Task is one pending index change for a dataset.
type Task struct {
	ID            int64
	DataID        int64
	Kind          Kind
	DeltaDownload int
	RetryCount    int
	NextRunAt     time.Time
	LastError     string
}

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertTaskSQL = `
INSERT INTO data_es_projection_task (data_id, kind, delta_download)
VALUES ($1, $2, $3)`

// Insert adds a task using db, so callers can enqueue inside their own
// transaction.
func Insert(ctx context.Context, db DBTX, dataID int64, kind Kind, deltaDownload int) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown projection kind %q", kind)
	}
	if _, err := db.Exec(ctx, insertTaskSQL, dataID, string(kind), deltaDownload); err != nil {
		return fmt.Errorf("insert projection task: %w", err)
	}
	return nil
}
