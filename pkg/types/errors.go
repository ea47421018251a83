package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every engine failure wraps exactly one of these so callers can
// branch with errors.Is; the CLI maps them to exit codes.
var (
	// ErrLockTimeout means the store lock was not obtained within budget.
	// Operator-retryable; never retried automatically.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrSourceCorrupt means a source file failed to parse. Raised before any
	// destructive action.
	ErrSourceCorrupt = errors.New("source corrupt")

	// ErrSourceMissing means there is nothing to migrate from.
	ErrSourceMissing = errors.New("source missing")

	// ErrVerificationFailed means a written or backed-up store did not match
	// what was expected. The live store is untouched.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrSwapFailed means the rename swap did not complete. Manual remediation
	// is required; the error names the recoverable file.
	ErrSwapFailed = errors.New("swap failed")

	// ErrRestoreValidationFailed means a restored store failed validation and
	// was rolled back to the pre-restore safety backup.
	ErrRestoreValidationFailed = errors.New("restore validation failed")

	// ErrBackupCreateFailed means a backup could not be created. The partial
	// backup directory has already been removed.
	ErrBackupCreateFailed = errors.New("backup create failed")
)

// State and lookup errors.
var (
	ErrAlreadyInProgress = errors.New("migration already in progress")
	ErrInvalidTransition = errors.New("invalid migration phase transition")
	ErrStoreAbsent       = errors.New("store file absent")
	ErrBackupNotFound    = errors.New("backup not found")
	ErrInvalidBackupType = errors.New("invalid backup type")
	ErrFileNotInBackup   = errors.New("file not in backup")
)

// OpError is the structured failure returned by the engines. Kind is one of
// the error kinds above, Artifact is the exact filesystem path an operator can
// inspect or restore from, and Remediation is a human instruction.
type OpError struct {
	Kind        error
	Op          string
	Artifact    string
	Remediation string
	Err         error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Artifact != "" {
		fmt.Fprintf(&b, " (artifact: %s)", e.Artifact)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FormatError reports a store file that exists but is not well-formed:
// truncated, corrupt, or not the expected format at all.
type FormatError struct {
	Path   string
	Format string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("%s: malformed %s file: %s", e.Path, e.Format, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// LockError is returned with ErrLockTimeout and names the lock file and, when
// readable, its current holder.
type LockError struct {
	Resource string
	LockFile string
	Holder   *LockRecord
	Attempts int
}

func (e *LockError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s held by another process (lock file %s, %d attempts)", e.Resource, e.LockFile, e.Attempts)
	}
	return fmt.Sprintf("%s held by %s (pid %d, acquired %s, expires %s; lock file %s, %d attempts)",
		e.Resource, e.Holder.HolderID, e.Holder.PID,
		e.Holder.AcquiredAt.Format("2006-01-02T15:04:05Z07:00"),
		e.Holder.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
		e.LockFile, e.Attempts)
}

func (e *LockError) Unwrap() error { return ErrLockTimeout }
