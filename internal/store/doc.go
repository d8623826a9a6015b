// ABOUTME: Package documentation for the store package
// ABOUTME: Describes the persistence boundary for devices and pairing codes

// Package store persists paired device records and ephemeral pairing
// codes behind a narrow interface.
//
// The production implementation is SQLiteStore (modernc.org/sqlite,
// pure Go, no cgo). MockStore is an in-memory implementation for
// tests. Both enforce the same contracts: device sequence counters
// only move forward, and pairing codes are claimed at most once.
package store
