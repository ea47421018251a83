package cli

import (
	"errors"
	"io/fs"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Exit codes. 0-2 keep their usual meaning; the rest identify the error kind
// so scripts can react without parsing messages.
const (
	exitSuccess            = 0
	exitUserError          = 1
	exitSysError           = 2
	exitLockTimeout        = 3
	exitSourceCorrupt      = 4
	exitVerificationFailed = 5
	exitSwapFailed         = 6
	exitRestoreFailed      = 7
	exitBackupFailed       = 8
	exitInProgress         = 9
)

var kindCodes = []struct {
	kind error
	code int
}{
	{types.ErrSwapFailed, exitSwapFailed},
	{types.ErrRestoreValidationFailed, exitRestoreFailed},
	{types.ErrVerificationFailed, exitVerificationFailed},
	{types.ErrSourceCorrupt, exitSourceCorrupt},
	{types.ErrLockTimeout, exitLockTimeout},
	{types.ErrBackupCreateFailed, exitBackupFailed},
	{types.ErrAlreadyInProgress, exitInProgress},
	{types.ErrSourceMissing, exitUserError},
	{types.ErrBackupNotFound, exitUserError},
	{types.ErrFileNotInBackup, exitUserError},
	{types.ErrInvalidBackupType, exitUserError},
	{types.ErrStoreAbsent, exitUserError},
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ue usageError
	if errors.As(err, &ue) {
		return exitUserError
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return exitSysError
	}
	return exitUserError
}

func asOpError(err error) *types.OpError {
	var oe *types.OpError
	if errors.As(err, &oe) {
		return oe
	}
	return nil
}
