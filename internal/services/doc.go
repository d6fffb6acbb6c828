// Package services defines shared utilities consumed by the dispatcher, the
// batch runner and the import state machine.
//
// Key responsibilities:
//   - Context helpers that stamp run identifiers, stage names, item labels,
//     execution context ids and correlation identifiers for logging.
//   - Structured error markers plus the Wrap and Details helpers that separate
//     item-scoped failures (recorded, loop continues) from operation-scoped
//     failures (surfaced to the caller).
//
// Use these helpers when wiring new orchestration logic so error handling and
// observability stay uniform across components.
package services
