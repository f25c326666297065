// Package model defines the domain types for the portkeeper supervisor.
//
// The central types are WorkerEntry (one managed worker and its port) and
// Registry (the persisted worker→port mapping). The registry is the single
// source of truth for which worker should run on which port; the live
// process set is derived from the host every tick and never stored here.
//
// The package also carries the CLI exit code taxonomy (ExitCode, CLIError)
// so that every layer can report failures the CLI translates into process
// exit statuses.
package model
