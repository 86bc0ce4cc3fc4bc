package storage

import (
	"errors"
	"fmt"
)

// Code is the machine-readable classification carried by every Error.
type Code string

const (
	CodeSetFailed               Code = "STORAGE_SET_ERROR"
	CodeGetFailed               Code = "STORAGE_GET_ERROR"
	CodeRemoveFailed            Code = "STORAGE_REMOVE_ERROR"
	CodeDecodeFailed            Code = "STORAGE_DECODE_ERROR"
	CodeChecksumMismatch        Code = "CHECKSUM_MISMATCH"
	CodeBatchSizeExceeded       Code = "BATCH_SIZE_EXCEEDED"
	CodeCompressionFailed       Code = "COMPRESSION_ERROR"
	CodeDecompressionFailed     Code = "DECOMPRESSION_ERROR"
	CodeBackupTooLarge          Code = "BACKUP_TOO_LARGE"
	CodeBackupCreationFailed    Code = "BACKUP_CREATION_FAILED"
	CodeBackupNotFound          Code = "BACKUP_NOT_FOUND"
	CodeRestoreValidationFailed Code = "RESTORE_VALIDATION_FAILED"
	CodeStructuralLockBusy      Code = "STRUCTURAL_LOCK_BUSY"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrSchemaTooNew = errors.New("storage: schema version newer than code")
	// ErrAuditTipMoved means another writer extended the audit chain since
	// the caller last read its tip.
	ErrAuditTipMoved = errors.New("storage: audit chain tip moved")

	ErrSetFailed               = &Error{Code: CodeSetFailed}
	ErrGetFailed               = &Error{Code: CodeGetFailed}
	ErrRemoveFailed            = &Error{Code: CodeRemoveFailed}
	ErrDecodeFailed            = &Error{Code: CodeDecodeFailed}
	ErrChecksumMismatch        = &Error{Code: CodeChecksumMismatch}
	ErrBatchSizeExceeded       = &Error{Code: CodeBatchSizeExceeded}
	ErrCompressionFailed       = &Error{Code: CodeCompressionFailed}
	ErrDecompressionFailed     = &Error{Code: CodeDecompressionFailed}
	ErrBackupTooLarge          = &Error{Code: CodeBackupTooLarge}
	ErrBackupCreationFailed    = &Error{Code: CodeBackupCreationFailed}
	ErrBackupNotFound          = &Error{Code: CodeBackupNotFound}
	ErrRestoreValidationFailed = &Error{Code: CodeRestoreValidationFailed}
	ErrStructuralLockBusy      = &Error{Code: CodeStructuralLockBusy}
)

// Error carries a Code, the offending key (when there is one) and the
// wrapped lower-level cause.
type Error struct {
	Code Code
	Key  string
	Err  error
}

func NewError(code Code, key string, err error) *Error {
	return &Error{Code: code, Key: key, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Code)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by code. A target without a key matches any key.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Key == "" || t.Key == e.Key
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
