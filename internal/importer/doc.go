// Package importer implements the resumable objective import.
//
// An import walks scanning_types → awaiting_selection → processing_monthly →
// generating_configs → done. Every transition goes through step, which takes
// the persisted State and returns the next one; drive calls step in a loop and
// stops when the import needs a human selection, reaches done, or the root
// context ends. Resuming after a restart loads the persisted State and calls
// drive again, so there is no separate recovery path.
//
// The whole State is written to the volatile store after every dispatched
// item under import:state. The objective-import lock is held from Start until
// done.
package importer
