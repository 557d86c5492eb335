// Package artifact stores the payloads produced while executing a plan: tool
// inputs, tool outputs and rollback results.
//
// Payloads are content-addressed. Each run has its own directory holding one
// JSON metadata file per artifact and an objects/ directory of blobs named by
// SHA-256. Payloads above a size threshold are gzip-compressed.
package artifact

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an artifact.
type Kind string

const (
	KindInput    Kind = "input"
	KindOutput   Kind = "output"
	KindRollback Kind = "rollback"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindInput || k == KindOutput || k == KindRollback
}

// Artifact is the metadata of a stored payload. It never changes after Store.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	StepID      string    `json:"step_id"`
	Kind        Kind      `json:"kind"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	StoredSize  int64     `json:"stored_size"`
	Compressed  bool      `json:"compressed"`
	Seq         int       `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats summarizes the store.
type Stats struct {
	Runs              int   `json:"runs"`
	Artifacts         int   `json:"artifacts"`
	StoredBytes       int64 `json:"stored_bytes"`
	UncompressedBytes int64 `json:"uncompressed_bytes"`
}

var (
	// ErrNotFound is returned for unknown artifact ids.
	ErrNotFound = errors.New("artifact not found")

	// ErrCorrupt is returned when a payload no longer matches its hash.
	ErrCorrupt = errors.New("artifact content does not match its hash")

	// ErrInvalid is returned for bad Store arguments.
	ErrInvalid = errors.New("invalid artifact")
)

// StoreError wraps every failure of the artifact store.
type StoreError struct {
	Op    string
	RunID string
	ID    string
	Err   error
}

func (e *StoreError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("artifact %s %s: %v", e.Op, e.ID, e.Err)
	case e.RunID != "":
		return fmt.Sprintf("artifact %s (run %s): %v", e.Op, e.RunID, e.Err)
	default:
		return fmt.Sprintf("artifact %s: %v", e.Op, e.Err)
	}
}

func (e *StoreError) Unwrap() error { return e.Err }
