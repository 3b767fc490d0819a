package hook

import (
	"errors"
	"fmt"
	"os"
)

// Kind categorizes hook failures.
type Kind string

const (
	// KindExecution is a hook that could not start or exited non-zero.
	KindExecution Kind = "HOOK_EXECUTION"

	// KindAbnormalExit is a hook killed by a signal or otherwise not exited.
	KindAbnormalExit Kind = "HOOK_ABNORMAL_EXIT"

	// KindSignalReceived is a signal delivered to the installer while the
	// hook ran.
	KindSignalReceived Kind = "HOOK_SIGNAL_RECEIVED"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrHookExecution      = errors.New("hook execution failed")
	ErrHookAbnormalExit   = errors.New("hook exited abnormally")
	ErrHookSignalReceived = errors.New("signal received while running hook")
)

// Error describes a failed hook run.
type Error struct {
	Kind     Kind
	Hook     string
	ExitCode int
	Signal   os.Signal
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindSignalReceived:
		return fmt.Sprintf("%s ended with signal %s received", e.Hook, e.Signal)
	case KindAbnormalExit:
		if e.Signal != nil {
			return fmt.Sprintf("%s abnormal exit: killed by %s", e.Hook, e.Signal)
		}
		return fmt.Sprintf("%s abnormal exit: %v", e.Hook, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("error executing %s: %v", e.Hook, e.Err)
	}
	return fmt.Sprintf("error executing %s: exit status %d", e.Hook, e.ExitCode)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrHookExecution:
		return e.Kind == KindExecution
	case ErrHookAbnormalExit:
		return e.Kind == KindAbnormalExit
	case ErrHookSignalReceived:
		return e.Kind == KindSignalReceived
	}
	return false
}
