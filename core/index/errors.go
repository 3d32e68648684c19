package index

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateKey            = errors.New("duplicate key in unique index")
	ErrIndexNotFound           = errors.New("index not found")
	ErrIndexExists             = errors.New("index already exists")
	ErrMissingConfigField      = errors.New("index configuration field is missing")
	ErrUnknownIndexType        = errors.New("unknown index type")
	ErrUnknownDefinitionClass  = errors.New("unknown index definition class")
	ErrUnsupportedIndexVersion = errors.New("unsupported index configuration version")
	ErrRevertConflict          = errors.New("key changed since the reverted write")
)

// DuplicateKeyError reports a uniqueness violation that survived interpretation.
type DuplicateKeyError struct {
	Index    string
	Key      string
	Existing string
	Value    string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("index %s: key %q already holds %s, cannot add %s", e.Index, e.Key, e.Existing, e.Value)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

// RevertConflictError reports an undo entry that was not replayed because
// the key now holds a value written after the change being reverted.
type RevertConflictError struct {
	Index   string
	Key     string
	Value   string
	Current []string
}

func (e *RevertConflictError) Error() string {
	return fmt.Sprintf("index %s: cannot restore %s under key %q, it now holds %v", e.Index, e.Value, e.Key, e.Current)
}

func (e *RevertConflictError) Unwrap() error { return ErrRevertConflict }
