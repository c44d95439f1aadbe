// Package perrors defines ProseQL's error taxonomy: a closed set of tagged
// kinds, each carrying enough structured context to diagnose at the call
// site without string-sniffing.
package perrors

import (
	"errors"
	"fmt"
)

// Kind tags an Error with one of the taxonomy's closed set of variants.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindDuplicateKey       Kind = "duplicate_key"
	KindUniqueConstraint   Kind = "unique_constraint"
	KindForeignKey         Kind = "foreign_key"
	KindNotFound           Kind = "not_found"
	KindDanglingReference  Kind = "dangling_reference"
	KindPopulation         Kind = "population"
	KindOperationError     Kind = "operation_error"
	KindConcurrency        Kind = "concurrency"
	KindTransaction        Kind = "transaction"
	KindHook               Kind = "hook"
	KindStorage            Kind = "storage"
	KindSerialization      Kind = "serialization"
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindMigration          Kind = "migration"
	KindPlugin             Kind = "plugin"
)

// Sentinel errors, one per kind, so callers can pattern-match with errors.Is.
var (
	ErrValidation       = errors.New(string(KindValidation))
	ErrDuplicateKey      = errors.New(string(KindDuplicateKey))
	ErrUniqueConstraint  = errors.New(string(KindUniqueConstraint))
	ErrForeignKey        = errors.New(string(KindForeignKey))
	ErrNotFound          = errors.New(string(KindNotFound))
	ErrDanglingReference = errors.New(string(KindDanglingReference))
	ErrPopulation        = errors.New(string(KindPopulation))
	ErrOperationError    = errors.New(string(KindOperationError))
	ErrConcurrency       = errors.New(string(KindConcurrency))
	ErrTransaction       = errors.New(string(KindTransaction))
	ErrHook              = errors.New(string(KindHook))
	ErrStorage           = errors.New(string(KindStorage))
	ErrSerialization     = errors.New(string(KindSerialization))
	ErrUnsupportedFormat = errors.New(string(KindUnsupportedFormat))
	ErrMigration         = errors.New(string(KindMigration))
	ErrPlugin            = errors.New(string(KindPlugin))
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindDuplicateKey:      ErrDuplicateKey,
	KindUniqueConstraint:  ErrUniqueConstraint,
	KindForeignKey:        ErrForeignKey,
	KindNotFound:          ErrNotFound,
	KindDanglingReference: ErrDanglingReference,
	KindPopulation:        ErrPopulation,
	KindOperationError:    ErrOperationError,
	KindConcurrency:       ErrConcurrency,
	KindTransaction:       ErrTransaction,
	KindHook:              ErrHook,
	KindStorage:           ErrStorage,
	KindSerialization:     ErrSerialization,
	KindUnsupportedFormat: ErrUnsupportedFormat,
	KindMigration:         ErrMigration,
	KindPlugin:            ErrPlugin,
}

// Error is the structured payload every taxonomy kind wraps itself in.
// Fields is a free-form bag so each call site can attach exactly the
// context it needs (collection, field, id, values, ...) without the
// taxonomy needing one struct type per kind.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	cause   error
}

// New builds a tagged Error. msg should name collections, fields, ids, and
// values only — never implementation-detail types.
func New(kind Kind, msg string, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Fields: fields}
}

// Wrap attaches a kind and message to an underlying cause, preserving it for
// errors.Unwrap/errors.As while still satisfying errors.Is(err, sentinel).
func Wrap(kind Kind, msg string, cause error, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Fields: fields, cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the sentinel for this kind
// (so a freshly constructed *Error still matches errors.Is(err, ErrNotFound))
// and, when present, to the wrapped cause.
func (e *Error) Unwrap() []error {
	sentinel := sentinels[e.Kind]
	if e.cause != nil && e.cause != sentinel {
		return []error{sentinel, e.cause}
	}
	return []error{sentinel}
}

// Is lets errors.Is(err, perrors.ErrNotFound) match without needing the
// exact sentinel instance to thread through every call site.
func (e *Error) Is(target error) bool {
	return target == sentinels[e.Kind]
}

// Field returns a single field from the structured payload, or nil.
func (e *Error) Field(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}

// IsKind reports whether err (or anything it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == k
	}
	return errors.Is(err, sentinels[k])
}
