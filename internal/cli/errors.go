package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/EduardKakosyan/finsync/internal/app"
	"github.com/EduardKakosyan/finsync/internal/collection"
	"github.com/EduardKakosyan/finsync/internal/config"
	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/migration"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

const (
	ExitCodeSuccess    = 0
	ExitCodeGeneric    = 1
	ExitCodeUsage      = 2
	ExitCodeNotFound   = 3
	ExitCodePermission = 4
	ExitCodeAuthFailed = 5
	ExitCodeIntegrity  = 6
	ExitCodeIO         = 7
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	switch {
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, app.ErrValidation),
		errors.Is(err, domain.ErrUnknownKind),
		errors.Is(err, collection.ErrNotCollection),
		errors.Is(err, collection.ErrDuplicateID),
		errors.Is(err, migration.ErrInvalidTarget),
		errors.Is(err, storage.ErrBatchSizeExceeded):
		return asExitError(ExitCodeUsage, err)
	case errors.Is(err, storage.ErrBackupNotFound),
		errors.Is(err, collection.ErrRecordNotFound),
		errors.Is(err, app.ErrNotInitialized):
		return asExitError(ExitCodeNotFound, err)
	case errors.Is(err, app.ErrWrongPassphrase),
		errors.Is(err, app.ErrPassphraseRequired):
		return asExitError(ExitCodeAuthFailed, err)
	case errors.Is(err, app.ErrAlreadyInitialized),
		errors.Is(err, storage.ErrStructuralLockBusy):
		return asExitError(ExitCodePermission, err)
	case errors.Is(err, storage.ErrChecksumMismatch),
		errors.Is(err, storage.ErrRestoreValidationFailed),
		errors.Is(err, storage.ErrDecodeFailed),
		errors.Is(err, storage.ErrDecompressionFailed),
		errors.Is(err, storage.ErrSchemaTooNew):
		return asExitError(ExitCodeIntegrity, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return asExitError(ExitCodeIO, err)
	}
	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}
