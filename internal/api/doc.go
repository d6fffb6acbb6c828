// Package api defines the wire-format types shared by the daemon's HTTP
// server and the CLI client.
//
// # Key Types
//
// DaemonStatus: daemon running state plus the workflow snapshot (locks, active
// batch, import progress, open execution contexts, store health).
//
// BatchRequest/BatchStartResponse: batch submission; with Wait set the server
// runs the batch to completion and returns its summary.
//
// ImportState: the persisted import state without the per-parent child lists.
//
// EventsResponse: a page of buffered events and the cursor for the next poll.
//
// ErrorResponse: error message plus the services.Kind classification and hint.
//
// # Converters
//
// FromStatusSummary, FromBatchSummary and FromImportState translate internal
// models. Timestamps use RFC3339 with milliseconds.
//
// Client is a small HTTP client over these types used by the harvest CLI.
package api
