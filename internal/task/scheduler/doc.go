// Package scheduler is the trigger engine: it persists job details and their
// triggers in a storage.Store, turns triggers into cron entries, and hands
// each fire to the task engine.
//
// The scheduler decides when; the engine decides how. Jobs marked
// DisallowConcurrent never run twice at once for the same key: the engine's
// skip-if-running gate covers one process and an optional Locker covers
// replicas sharing a store. With a Locker, replicas also claim each tick so a
// fire launches on one of them only.
package scheduler
