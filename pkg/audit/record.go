// Package audit keeps a trail of the mutations made through the CRUD helper.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one mutation outcome. The bigquery tags name the audit table's columns.
type Record struct {
	ID        string    `bigquery:"id" json:"id"`
	Operation string    `bigquery:"operation" json:"operation"`
	Path      string    `bigquery:"path" json:"path"`
	Success   bool      `bigquery:"success" json:"success"`
	Error     string    `bigquery:"error" json:"error,omitempty"`
	At        time.Time `bigquery:"at" json:"at"`
}

// NewRecord creates a Record stamped with a fresh ID and the current time.
func NewRecord(operation, path string, success bool, errMsg string) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Operation: operation,
		Path:      path,
		Success:   success,
		Error:     errMsg,
		At:        time.Now().UTC(),
	}
}

// DataBatchInserter writes a batch of records to a data store.
type DataBatchInserter interface {
	InsertBatch(ctx context.Context, records []*Record) error
	Close() error
}
