// Package liveness decides whether a registered worker is currently
// running.
//
// A worker is identified by its invocation signature,
// "<path> --port <port>". Two oracles implement the check:
//
//   - ProcessTable scans every process's command line for the signature.
//     This is the default and needs no state.
//   - PIDTracker checks the PID recorded at launch and confirms its command
//     line still carries the signature, so a recycled PID is not mistaken
//     for the worker.
//
// Both are best-effort snapshots. A worker that dies right after being
// reported alive is caught by the next tick.
package liveness
