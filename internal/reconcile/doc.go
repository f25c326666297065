// Package reconcile implements the supervisor's reconciliation loop.
//
// Each tick walks a fixed sequence of phases:
//
//	IDLE → DISCOVERING → PROBING → ACTING → PERSISTING → SLEEPING → IDLE
//
// DISCOVERING loads the registry and scans for new worker files (and, with
// EvictMissing, drops entries whose file is gone). PROBING asks the
// liveness oracle about every registered worker. ACTING relaunches dead
// workers on their registered port (moving them first under
// ReallocateOnConflict) and registers new ones. PERSISTING saves the
// registry. SLEEPING waits a uniformly random interval.
//
// Ticks never overlap and are never interrupted: cancellation is observed
// only while sleeping.
package reconcile
