package port

import (
	"fmt"
	"net"
)

// Prober reports whether a single port can be bound right now.
// Scanner is the production implementation; tests substitute fakes.
type Prober interface {
	IsPortAvailable(port int, protocol string) bool
}

// Scanner checks whether specific ports are available on the host machine
// by asking the OS network stack directly (net.Listen / net.ListenPacket).
//
// The struct is stateless; it exists as a type so that it can be injected
// into the Allocator as a Prober. The Allocator only falls back to it when
// the listening socket table cannot be read.
type Scanner struct{}

var _ Prober = (*Scanner)(nil)

// NewScanner creates a new Scanner instance.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable checks whether a single port is free on the host machine.
//
// For TCP, it attempts net.Listen("tcp", ":port"). For UDP, it attempts
// net.ListenPacket("udp", ":port"). If the bind succeeds the port is
// available and the socket is released immediately.
//
// All interfaces are bound (":port") because workers typically listen on
// 0.0.0.0, so a loopback-only check would miss conflicts.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	// Step 1: Build the wildcard address. An empty host means "every
	// interface", which is what a worker started with --port binds.
	addr := fmt.Sprintf(":%d", port)

	switch protocol {
	case "tcp":
		// Step 2a: A successful Listen proves nobody holds the port.
		// EADDRINUSE (or EACCES for a privileged port) means it is taken
		// or unusable; either way the worker could not bind it.
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		// Release the port at once so the worker can take it.
		defer func() { _ = listener.Close() }()
		return true

	case "udp":
		// Step 2b: UDP has no listen state; binding a packet socket is the
		// equivalent check.
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = conn.Close() }()
		return true

	default:
		// Unknown protocol: report unavailable.
		return false
	}
}
