// Package preflight provides readiness checks for the filesystem paths and
// external programs Harvest depends on.
//
// These checks run in two contexts:
//   - The daemon logs a snapshot of RunAll at startup.
//   - The CLI "harvest preflight" command renders every result.
//
// Optional checks are skipped when the feature is not configured.
package preflight
