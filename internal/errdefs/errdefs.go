// Package errdefs defines the error classes shared across the backup
// engine. Callers branch on them with errors.Is; the CLI maps them to
// process exit codes.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks invalid or conflicting configuration: missing
	// source path, duplicate config name, archive name collision.
	ErrConfig = errors.New("config error")

	// ErrIO marks filesystem failures: disk full, permission denied,
	// pre-existing restore target without --overwrite.
	ErrIO = errors.New("io error")

	// ErrHookFailed marks a pre/post hook that exited non-zero.
	ErrHookFailed = errors.New("hook failed")

	// ErrHookTimeout marks a pre/post hook killed after its deadline.
	ErrHookTimeout = errors.New("hook timed out")

	// ErrIntegrity marks a checksum mismatch or a corrupt archive.
	ErrIntegrity = errors.New("integrity error")

	// ErrSecurity marks a rejected archive entry during restore.
	ErrSecurity = errors.New("security error")

	// ErrRetention marks a removal that would breach min_backups.
	ErrRetention = errors.New("retention violation")
)

// Exit codes reported by the CLI.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitIO        = 3
	ExitIntegrity = 4
	ExitSecurity  = 5
)

// Configf wraps a formatted message as an ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// IOf wraps a formatted message as an ErrIO.
func IOf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIO, fmt.Sprintf(format, args...))
}

// ExitCode maps an error to the process exit code for the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrSecurity):
		return ExitSecurity
	case errors.Is(err, ErrIntegrity):
		return ExitIntegrity
	case errors.Is(err, ErrIO), errors.Is(err, ErrHookFailed), errors.Is(err, ErrHookTimeout):
		return ExitIO
	default:
		return ExitFailure
	}
}
