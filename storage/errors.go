package storage

import "fmt"

// NotFoundError reports a lookup that matched no row
type NotFoundError struct {
	Kind string // "sensor" or "field"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

// AmbiguousError reports a lookup that matched more than one row
type AmbiguousError struct {
	Kind  string
	Key   string
	Count int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s %s is ambiguous: %d rows match", e.Kind, e.Key, e.Count)
}

// PersistenceError reports a failed write to the metric store
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
