// Package stores provides the SQLite-backed session store. It persists
// session records and their append-only logs, and is the enforcement point
// for the record invariants: progress never decreases, log entries are
// never rewritten, and terminal records accept nothing but log growth.
package stores
