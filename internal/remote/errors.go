package remote

import (
	"errors"
	"fmt"
)

// Stage identifies the pipeline phase an error belongs to. The CLI maps
// stages to distinct exit codes.
type Stage string

const (
	StageList       Stage = "list"
	StageRead       Stage = "read"
	StageUpload     Stage = "upload"
	StageVerify     Stage = "verify"
	StageDelete     Stage = "delete"
	StageCredential Stage = "credential"
)

// Error wraps a remote failure with its pipeline stage and whether a
// retry may succeed. Credential errors are never transient.
type Error struct {
	Stage     Stage
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient satisfies the retry classifier in internal/util.
func (e *Error) Transient() bool { return e.Retryable }

func ListError(err error, retryable bool) error {
	return &Error{Stage: StageList, Err: err, Retryable: retryable}
}

func ReadError(err error, retryable bool) error {
	return &Error{Stage: StageRead, Err: err, Retryable: retryable}
}

func UploadError(err error, retryable bool) error {
	return &Error{Stage: StageUpload, Err: err, Retryable: retryable}
}

func VerifyError(err error) error {
	return &Error{Stage: StageVerify, Err: err}
}

func DeleteError(err error, retryable bool) error {
	return &Error{Stage: StageDelete, Err: err, Retryable: retryable}
}

func CredentialError(err error) error {
	return &Error{Stage: StageCredential, Err: err}
}

// StageOf extracts the stage from an error chain, or "" if none.
func StageOf(err error) Stage {
	var re *Error
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}
