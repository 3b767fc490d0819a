package lifecycle

import (
	"errors"
	"fmt"

	"github.com/jjuanino/clame/internal/version"
)

// Code categorizes lifecycle errors. Codes are stable and printed by the
// CLI.
type Code string

const (
	CodeAlreadyInstalled         Code = "ALREADY_INSTALLED"
	CodeHigherVersionInstalled   Code = "HIGHER_VERSION_INSTALLED"
	CodeRequirementsNotSatisfied Code = "REQUIREMENTS_NOT_SATISFIED"
	CodeInstalledConflicts       Code = "INSTALLED_CONFLICTS"
	CodeInstallWouldConflict     Code = "INSTALL_WOULD_CONFLICT"
	CodeRequirementsWouldBreak   Code = "REQUIREMENTS_WOULD_BE_BROKEN"
	CodeUIDMismatch              Code = "UID_MISMATCH"
	CodePatchNotRegistered       Code = "PATCH_NOT_REGISTERED"
	CodePatchNotInArchive        Code = "PATCH_NOT_IN_ARCHIVE"
	CodeNeedSuperuser            Code = "NEED_SUPERUSER"
	CodeLegalNotAccepted         Code = "LEGAL_NOT_ACCEPTED"
	CodeUserNotExists            Code = "USER_NOT_EXISTS"
	CodeGroupNotExists           Code = "GROUP_NOT_EXISTS"
	CodePrefixNotExists          Code = "PREFIX_NOT_EXISTS"
	CodeIntegrity                Code = "INTEGRITY"
	CodeNoRoomForInstall         Code = "NO_ROOM_FOR_INSTALL"
	CodeNoRoomForBackup          Code = "NO_ROOM_FOR_BACKUP"
	CodePhaseFailed              Code = "PHASE_FAILED"
)

// Error is a lifecycle failure. Sentinels below carry only a Code and
// match any *Error with the same Code under errors.Is.
type Error struct {
	Code    Code
	Patch   version.PatchVersion
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if !e.Patch.IsZero() {
		msg = fmt.Sprintf("%s (%s)", msg, e.Patch)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var sentinelMessage = map[Code]string{}

func sentinel(code Code, msg string) *Error {
	sentinelMessage[code] = msg
	return &Error{Code: code, Message: msg}
}

var (
	ErrAlreadyInstalled          = sentinel(CodeAlreadyInstalled, "patch version already installed")
	ErrHigherVersionInstalled    = sentinel(CodeHigherVersionInstalled, "a higher version is installed")
	ErrRequirementsNotSatisfied  = sentinel(CodeRequirementsNotSatisfied, "requirements not satisfied")
	ErrInstalledConflicts        = sentinel(CodeInstalledConflicts, "a conflicting patch is installed")
	ErrInstallWouldConflict      = sentinel(CodeInstallWouldConflict, "an installed patch conflicts with this version")
	ErrRequirementsWouldBeBroken = sentinel(CodeRequirementsWouldBreak, "removal would break requirements of installed patches")
	ErrUIDMismatch               = sentinel(CodeUIDMismatch, "installed by a different user")
	ErrPatchNotRegistered        = sentinel(CodePatchNotRegistered, "patch version not registered")
	ErrPatchNotInArchive         = sentinel(CodePatchNotInArchive, "patch version not in archive")
	ErrNeedSuperuser             = sentinel(CodeNeedSuperuser, "patch must be installed by the superuser")
	ErrLegalNotAccepted          = sentinel(CodeLegalNotAccepted, "legal terms not accepted")
	ErrUserNotExists             = sentinel(CodeUserNotExists, "user does not exist")
	ErrGroupNotExists            = sentinel(CodeGroupNotExists, "group does not exist")
	ErrPrefixNotExists           = sentinel(CodePrefixNotExists, "install prefix is not an existing directory")
	ErrIntegrity                 = sentinel(CodeIntegrity, "archive integrity check failed")
	ErrNoRoomForInstall          = sentinel(CodeNoRoomForInstall, "not enough free space to install")
	ErrNoRoomForBackup           = sentinel(CodeNoRoomForBackup, "not enough free space for backups")
	ErrPhaseFailed               = sentinel(CodePhaseFailed, "lifecycle phase failed")
)

func newError(code Code, pv version.PatchVersion, err error, details map[string]string) *Error {
	return &Error{Code: code, Patch: pv, Message: sentinelMessage[code], Details: details, Err: err}
}

// CodeOf returns the lifecycle code carried by err, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
