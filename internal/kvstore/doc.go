// Package kvstore provides the key/value persistence shared by the durable
// store (records, generated configuration records) and the volatile store
// (locks, in-flight import state).
//
// Both stores are SQLite databases opened with WAL journaling and a busy
// timeout; writes retry briefly on SQLITE_BUSY. Writers replace whole values,
// so callers read-modify-write complete JSON documents. Memory is an in-process
// implementation for tests.
package kvstore
