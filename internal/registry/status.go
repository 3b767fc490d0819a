package registry

import "strings"

// Status is the persisted lifecycle state of a registered patch version.
type Status string

const (
	StatusRegistered Status = "REGISTERED"

	StatusPreinstall             Status = "RUN_PREINSTALL"
	StatusBackup                 Status = "RUN_BACKUP"
	StatusSchema                 Status = "RUN_SCHEMA"
	StatusPostinstall            Status = "RUN_POSTINSTALL"
	StatusRegisterInstalledFiles Status = "REGISTER_INSTALLED_FILES"
	StatusRegisterInstallScripts Status = "REGISTER_INSTALL_SCRIPTS"
	StatusRegisterRequisites     Status = "REGISTER_REQUISITES"
	StatusRegisterConflicts      Status = "REGISTER_CONFLICTS"
	StatusRegisterInputVars      Status = "REGISTER_INPUT_VARS"
	StatusRegisterInfoVars       Status = "REGISTER_INFO_VARS"
	StatusInstalled              Status = "INSTALLED"

	StatusPreremove  Status = "RUN_PREREMOVE"
	StatusRestore    Status = "RUN_RESTORE"
	StatusPostremove Status = "RUN_POSTREMOVE"
)

const errorPrefix = "ERROR_"

// Failed returns the ERROR_ counterpart of a running state.
// INSTALLED and REGISTERED have none and are returned unchanged.
func (s Status) Failed() Status {
	if s == StatusInstalled || s == StatusRegistered || s.IsError() {
		return s
	}
	if phase, ok := strings.CutPrefix(string(s), "RUN_"); ok {
		return Status(errorPrefix + phase)
	}
	return Status(errorPrefix + string(s))
}

// IsError reports whether s records a failed phase.
func (s Status) IsError() bool {
	return strings.HasPrefix(string(s), errorPrefix)
}

func (s Status) String() string { return string(s) }
