// Package workflow is the facade the daemon and API call into.
//
// Service owns the lock discipline around the orchestration packages: batch
// runs hold batch-processing for their whole run, record purges hold
// data-deletion, and imports hold objective-import from start to done
// (enforced inside importer). It also tracks the active batch so it can be
// cancelled cooperatively, and aggregates lock, import, context and store
// health into a status snapshot.
package workflow
