// Package registry provides the SQLite-backed record of installed patches.
//
// Each registered patch version has one patch_versions row carrying its
// lifecycle Status, install prefix, installing uid and the attempt id of
// the install that created it. Child tables hold what removal needs later:
//   - backed_up_files and the compressed backup record
//   - installed_files
//   - patch_scripts (hook scripts, zstd compressed)
//   - requisites and conflicts (intervals, one row per bound)
//   - input_vars, info_vars, hook_vars
//
// Child rows cascade when a version is unregistered. The bare patch name
// row in patches is kept forever.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout: bounded wait for locks (DefaultBusyTimeout)
//   - foreign_keys=ON: enforce cascades
//
// Versions counts every row whatever its status, so a half-installed
// version still blocks reinstalling itself and still counts as the
// highest installed version.
package registry
