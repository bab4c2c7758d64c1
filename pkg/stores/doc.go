// Package stores provides persistence for Terrane state and run history.
//
// The SQLite implementation backs both the engine's StateStore (resource
// records plus the single-writer apply lock) and its AuditStore (runs,
// operation results, timeline events). Schema management uses embedded
// migrations applied with golang-migrate.
//
// Attribute bags are stored as JSON text columns; records round-trip
// through encoding/json, which is why the engine normalizes numerics when
// diffing.
package stores
