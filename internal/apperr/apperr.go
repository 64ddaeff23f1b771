package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by how callers should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindConflict
	// KindTransient marks I/O failures that may succeed on retry.
	KindTransient
	// KindPermanent marks failures that will repeat for the same input.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "internal"
	}
}

// Code is a module scoped error code, e.g. DATA_NOT_FOUND.
type Code string

// Dataset module.
const (
	DataNotFound        Code = "DATA_NOT_FOUND"
	DataBadRequestDate  Code = "DATA_BAD_REQUEST_DATE"
	DataInvalidFileURL  Code = "DATA_INVALID_FILE_URL"
	DataUnsupportedFile Code = "DATA_UNSUPPORTED_FILE"
	DataCorruptFile     Code = "DATA_CORRUPT_FILE"
	DataEmptyFile       Code = "DATA_EMPTY_FILE"
	DataIndexFailure    Code = "DATA_INDEX_FAILURE"
	DataDownloadURL     Code = "DATA_DOWNLOAD_URL_GENERATION_FAILED"
)

// File storage module.
const (
	FileUploadFailure   Code = "FILE_UPLOAD_FAILURE"
	FileDownloadFailure Code = "FILE_DOWNLOAD_FAILURE"
	FileDeleteFailure   Code = "FILE_DELETE_FAILURE"
	FileNotFound        Code = "FILE_NOT_FOUND"
	FileInvalidURL      Code = "FILE_INVALID_URL"
)

// Reference, lock, cache and database.
const (
	ReferenceNotFound Code = "REFERENCE_NOT_FOUND"
	LockNotAcquired   Code = "LOCK_NOT_ACQUIRED"
	CacheUnavailable  Code = "CACHE_UNAVAILABLE"
	DatabaseFailure   Code = "DATABASE_FAILURE"
	InvalidRequest    Code = "INVALID_REQUEST"
)

var defaultKinds = map[Code]Kind{
	DataNotFound:        KindNotFound,
	DataBadRequestDate:  KindValidation,
	DataInvalidFileURL:  KindValidation,
	DataUnsupportedFile: KindPermanent,
	DataCorruptFile:     KindPermanent,
	DataEmptyFile:       KindPermanent,
	DataIndexFailure:    KindTransient,
	DataDownloadURL:     KindInternal,
	FileUploadFailure:   KindTransient,
	FileDownloadFailure: KindTransient,
	FileDeleteFailure:   KindTransient,
	FileNotFound:        KindNotFound,
	FileInvalidURL:      KindValidation,
	ReferenceNotFound:   KindNotFound,
	LockNotAcquired:     KindConflict,
	CacheUnavailable:    KindTransient,
	DatabaseFailure:     KindTransient,
	InvalidRequest:      KindValidation,
}

// Error is the single domain error type shared by every module.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Err     error
}

// New builds an error with the default kind for code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Kind: defaultKinds[code], Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches cause to a new error with the default kind for code.
func Wrap(code Code, msg string, cause error) *Error {
	e := New(code, msg)
	e.Err = cause
	return e
}

// WithKind overrides the kind, returning the same error for chaining.
func (e *Error) WithKind(k Kind) *Error {
	e.Kind = k
	return e
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so errors.Is(err, apperr.New(DataNotFound, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of the first *Error in the chain. Plain errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsNotFound reports whether err carries a not-found kind.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// HTTPStatus maps an error to the status the web adapter responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindPermanent:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
