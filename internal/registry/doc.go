// Package registry persists the worker→port assignment.
//
// The registry is the source of truth for which worker should run on which
// port. It is read at the start of every reconciliation tick and written in
// one piece at the end; concurrent writers are last-writer-wins unless the
// instance lock is held.
//
// Two on-disk formats are supported, selected by file extension:
//
//	registry.yaml   version: 1 header plus a "workers" map (default)
//	registry.json   a flat {"<path>": <port>} object, the legacy layout;
//	                comments and trailing commas are tolerated on read
//
// A missing, unreadable or invalid file loads as an empty registry so that
// the supervisor can always make progress.
package registry
