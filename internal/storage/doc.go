// Package storage persists trigger-engine state: job records, their
// triggers, and a bounded per-job execution history.
//
// Drivers:
//   - memory: process-local, lost on restart
//   - file: JSON snapshot + append-only journal
//   - sqlite: modernc.org/sqlite database file
//   - postgres: pgx-backed relational job store shared by replicas
package storage
