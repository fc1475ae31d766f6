package cli

import (
	"errors"

	"userkeeper/internal/domain"
	"userkeeper/internal/storage"
)

// Exit codes follow sysexits(3).
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 64
	ExitDataErr     = 65
	ExitNoInput     = 66
	ExitUnavailable = 69
	ExitSoftware    = 70
	ExitNoPerm      = 77
)

// ExitCode maps an error returned by Run to a process exit status.
func ExitCode(err error) int {
	var (
		verr *domain.ValidationError
		uerr *domain.UniquenessError
		herr *domain.HashFormatError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.As(err, &verr), errors.As(err, &uerr):
		return ExitDataErr
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNoPhoto):
		return ExitNoInput
	case errors.Is(err, domain.ErrInvalidCredentials):
		return ExitNoPerm
	case errors.As(err, &herr):
		return ExitSoftware
	case errors.Is(err, storage.ErrNotConfigured):
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
