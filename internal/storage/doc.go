// Package storage is the persistence layer of the bot.
//
// A Store keeps users, registered chats, scheduled jobs and the audit trail.
// Every mutation is written individually (upsert or delete of one row); the
// full state is only read back once, on start.
//
// Drivers:
//   - memory: process-local, nothing survives a restart (default)
//   - file: JSON Lines journal compacted into a snapshot
//   - sqlite: modernc.org/sqlite, pure Go
//   - postgres: pgx through database/sql
package storage
