// Package stores provides the persistence layer for runs, unit results,
// findings, timeline events, and project health.
//
// The SQLite implementation embeds its schema migrations and applies them
// with golang-migrate. StateAdapter exposes the store through the narrow
// interfaces the scheduler depends on.
package stores
