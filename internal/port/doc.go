// Package port implements host port discovery and allocation for the
// portkeeper supervisor.
//
// The allocation policy is deterministic lowest-free-port:
//
//	port = min { p in [start, end] : p not listening, not reserved }
//
// The set of listening ports is read from the host socket table
// (/proc/net/tcp, falling back to lsof). When that query is unavailable the
// allocator probes candidates by binding them with net.Listen, the same way
// the Scanner checks availability. When the whole range is exhausted a fixed
// fallback port is returned instead of failing, unless strict mode is on.
//
// Two supervisors allocating concurrently can race and pick the same port.
// Callers are expected to run a single instance (see package instance).
package port
