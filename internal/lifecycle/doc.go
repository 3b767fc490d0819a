// Package lifecycle installs and removes patch versions.
//
// An install walks a fixed sequence of states, persisting each one in the
// registry before the step runs:
//
//	REGISTERED -> RUN_PREINSTALL -> RUN_BACKUP -> RUN_SCHEMA ->
//	RUN_POSTINSTALL -> REGISTER_* -> INSTALLED
//
// An uninstall walks RUN_PREREMOVE -> RUN_RESTORE -> RUN_POSTREMOVE and then
// drops the row. A step that fails leaves its ERROR_ state behind and
// nothing is rolled back; the operator inspects and retries by hand.
//
// Preconditions run before anything is written. Most of them can be
// overridden through Options, in which case the failure is logged as a
// warning and reported back in the result.
//
// Cancellation is honored between phases only. Once a RUN_ state has been
// persisted the step runs to completion or failure.
package lifecycle
