// Package preflight provides readiness checks for the binaries, paths and
// services opendrama depends on.
//
// These checks run in two contexts:
//   - The daemon logs RunAll at startup so a missing ffmpeg or an unreachable
//     provider shows up before the first chain-mode group stalls on it.
//   - The CLI "opendrama preflight" command prints the same results as a table.
//
// Optional services are skipped when they are not configured.
package preflight
