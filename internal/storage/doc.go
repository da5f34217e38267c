// Package storage persists everything that must survive a restart:
//   - Trigger memory + daily quota (checkpointed after each cycle)
//   - Dedup content hashes with expiry
//   - The append-only decision log (delivered / suppressed / failed)
//
// Two backends: a dependency-light file store (default) and SQLite behind
// the "sqlite" build tag.
package storage
