package types

import "errors"

// Taxonomy sentinels (§7). Every domain error returned by an internal package wraps exactly one
// of these with fmt.Errorf("%w: ...", ErrX) so the HTTP boundary can recover the kind with
// errors.Is instead of string matching.
var (
	ErrValidation = errors.New("validation")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not_found")
	ErrConflict   = errors.New("conflict")
	ErrInfra      = errors.New("infra")
)

// Domain-specific errors used across packages. Call sites pair one with a taxonomy sentinel,
// mostly as fmt.Errorf("%w: %s", ErrKind, ErrDomain), which keeps only the sentinel in the errors.Is
// chain; the Wrap* helpers below keep both.
var (
	ErrRoomExists         = errors.New("a room already exists for this server instance")
	ErrRoomNotFound       = errors.New("room not found")
	ErrDiscordSessionBusy = errors.New("a discord-bound session is already active")
	ErrInvalidToken        = errors.New("invalid or missing token")
	ErrNotHost             = errors.New("member is not host")
	ErrSessionEnded        = errors.New("session has ended")
	ErrRoomFull            = errors.New("room is full")
	ErrBandwidthExceeded   = errors.New("room bandwidth cap exceeded")
	ErrUploadNotFound      = errors.New("upload not found")
	ErrUploadInProgress    = errors.New("an upload is already processing for this room")
	ErrChunkIndexRange     = errors.New("chunk index out of range")
	ErrIncompleteUpload    = errors.New("not all chunks received")
	ErrRatingOutOfRange    = errors.New("rating must be between 1 and 10")
	ErrPathEscapesRoot     = errors.New("path escapes uploads root")
)

// WrapValidation wraps err (or a plain message) as a validation-kind error.
func WrapValidation(err error) error { return joinKind(ErrValidation, err) }

// WrapForbidden wraps err as a forbidden-kind error.
func WrapForbidden(err error) error { return joinKind(ErrForbidden, err) }

// WrapNotFound wraps err as a not_found-kind error.
func WrapNotFound(err error) error { return joinKind(ErrNotFound, err) }

// WrapConflict wraps err as a conflict-kind error.
func WrapConflict(err error) error { return joinKind(ErrConflict, err) }

// WrapInfra wraps err as an infra-kind error.
func WrapInfra(err error) error { return joinKind(ErrInfra, err) }

func joinKind(kind, err error) error {
	if err == nil {
		return kind
	}
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// FieldedError carries structured data alongside a taxonomy error so the HTTP boundary can echo
// it as JSON fields instead of forcing the caller to parse it back out of the error string.
type FieldedError struct {
	err    error
	fields map[string]interface{}
}

// WithFields attaches structured fields to err, which must already wrap a taxonomy sentinel.
func WithFields(err error, fields map[string]interface{}) error {
	return &FieldedError{err: err, fields: fields}
}

func (e *FieldedError) Error() string { return e.err.Error() }

func (e *FieldedError) Unwrap() error { return e.err }

func (e *FieldedError) Fields() map[string]interface{} { return e.fields }
