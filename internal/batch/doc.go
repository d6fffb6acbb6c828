// Package batch runs a list of work items through the execution manager one
// at a time, persisting successful payloads and publishing progress after
// every item.
//
// A run never retries, never aborts on an item failure, and always ends with
// a Summary and a batch_completed event, including when it is cancelled
// between items.
package batch
