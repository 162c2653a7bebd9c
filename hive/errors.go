package hive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/hive/cell"
	"go.uber.org/multierr"
)

// DuplicateCellError is returned when a cell id or endpoint is already taken
type DuplicateCellError struct {
	ID       cell.ID
	Field    string // "id", "admin_endpoint" or "data_endpoint"
	Value    string
	Existing cell.ID
}

func (e *DuplicateCellError) Error() string {
	return fmt.Sprintf("duplicate cell: %s %s already used by cell %d", e.Field, e.Value, e.Existing)
}

// NotFoundError is returned when a cell id is not registered
type NotFoundError struct {
	ID cell.ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cell %d not found", e.ID)
}

// CannotRemoveMasterError is returned when asked to remove the master cell
type CannotRemoveMasterError struct {
	ID cell.ID
}

func (e *CannotRemoveMasterError) Error() string {
	return fmt.Sprintf("cell %d is the hive master and cannot be removed", e.ID)
}

// SchemaMismatchError is returned when a joining cell rejects a schema chunk
type SchemaMismatchError struct {
	ID     cell.ID
	Offset uint64
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("cell %d rejected schema chunk at offset %d", e.ID, e.Offset)
}

// PropertyMismatchError is returned when a joining cell's hive properties differ
type PropertyMismatchError struct {
	ID         cell.ID
	Mismatched []string
}

func (e *PropertyMismatchError) Error() string {
	return fmt.Sprintf("cell %d has incompatible hive properties: %s", e.ID, strings.Join(e.Mismatched, ", "))
}

// CellCountMismatchError is returned when a placement update disagrees with
// local membership
type CellCountMismatchError struct {
	Local    int
	Incoming int
}

func (e *CellCountMismatchError) Error() string {
	return fmt.Sprintf("placement update has %d cells, local hive has %d", e.Incoming, e.Local)
}

// UnreachableCellError wraps a transport failure to a cell that must answer
// for the operation to proceed
type UnreachableCellError struct {
	ID    cell.ID
	Op    string
	Cause error
}

func (e *UnreachableCellError) Error() string {
	return fmt.Sprintf("cell %d unreachable during %s: %v", e.ID, e.Op, e.Cause)
}

func (e *UnreachableCellError) Unwrap() error {
	return e.Cause
}

// JoinPhaseError is returned when a join phase runs before the phases it
// depends on have succeeded
type JoinPhaseError struct {
	ID     cell.ID
	Phase  string
	Reason string
}

func (e *JoinPhaseError) Error() string {
	return fmt.Sprintf("join of cell %d cannot run %s: %s", e.ID, e.Phase, e.Reason)
}

// PartialHiveUpdateError is returned after local state has been committed
// but some peers could not be told. The operation succeeded locally.
type PartialHiveUpdateError struct {
	Op     string
	Failed []cell.ID
	Cause  error
}

func (e *PartialHiveUpdateError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, id := range e.Failed {
		ids[i] = id.String()
	}
	return fmt.Sprintf("%s committed locally but cells [%s] were not updated: %v", e.Op, strings.Join(ids, ","), e.Cause)
}

func (e *PartialHiveUpdateError) Unwrap() error {
	return e.Cause
}

// RemoteError is a failure reported by a peer
type RemoteError struct {
	Endpoint string
	Method   string
	Cause    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Method, e.Endpoint, e.Cause)
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// IsValidation reports whether err is caller-correctable and left no state behind
func IsValidation(err error) bool {
	var (
		dup      *DuplicateCellError
		notFound *NotFoundError
		master   *CannotRemoveMasterError
		schema   *SchemaMismatchError
		props    *PropertyMismatchError
		count    *CellCountMismatchError
		unreach  *UnreachableCellError
		phase    *JoinPhaseError
	)
	// Partial failures wrap transport errors, check them first
	if IsPartial(err) {
		return false
	}
	return errors.As(err, &dup) ||
		errors.As(err, &notFound) ||
		errors.As(err, &master) ||
		errors.As(err, &schema) ||
		errors.As(err, &props) ||
		errors.As(err, &count) ||
		errors.As(err, &unreach) ||
		errors.As(err, &phase)
}

// IsPartial reports whether err is a PartialHiveUpdateError
func IsPartial(err error) bool {
	var partial *PartialHiveUpdateError
	return errors.As(err, &partial)
}

// failureSet accumulates per-peer failures of one fan-out
type failureSet struct {
	ids   []cell.ID
	cause error
}

func (f *failureSet) add(id cell.ID, err error) {
	f.ids = append(f.ids, id)
	f.cause = multierr.Append(f.cause, fmt.Errorf("cell %d: %w", id, err))
}

func (f *failureSet) empty() bool {
	return len(f.ids) == 0
}

func (f *failureSet) err(op string) error {
	if f.empty() {
		return nil
	}
	return &PartialHiveUpdateError{Op: op, Failed: f.ids, Cause: f.cause}
}
