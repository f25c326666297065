package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/docker/docker/client"
)

// defaultPingTimeout bounds Ping. Docker Desktop on macOS can take a few
// seconds to answer.
const defaultPingTimeout = 5 * time.Second

// ErrNoSocket is returned by NewClient when no Docker socket exists.
var ErrNoSocket = errors.New("docker socket not found")

// Client wraps the Docker Engine SDK client. portkeeper only reads from
// the daemon: it lists running containers to learn which host ports their
// published bindings hold.
//
// Usage:
//
//	c, err := docker.NewClient()
//	if err != nil { /* docker not installed */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* daemon not running */ }
type Client struct {
	// inner is the underlying Docker SDK client. It is wrapped rather than
	// embedded so the rest of the module only sees the calls it needs.
	inner *client.Client
}

// NewClient creates a client with automatic socket detection.
//
// The detection order is:
//  1. DOCKER_HOST environment variable (used as-is)
//  2. /var/run/docker.sock
//  3. ~/.docker/run/docker.sock (macOS only)
//
// Creating the client does not contact the daemon; use Ping for that.
// ErrNoSocket is returned when none of the sockets exists.
func NewClient() (*Client, error) {
	// Step 1: An explicit DOCKER_HOST always wins. The SDK parses the
	// connection string (unix://, tcp://, ssh://) itself.
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return newClientWithHost(host)
	}

	// Step 2: Fall back to the platform's default socket locations.
	host, err := detectDockerHost()
	if err != nil {
		return nil, err
	}
	return newClientWithHost(host)
}

// newClientWithHost creates the SDK client for a specific host URI.
func newClientWithHost(host string) (*Client, error) {
	// API version negotiation lets the same binary talk to older and
	// newer daemons without pinning a version.
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client for host %q: %w", host, err)
	}
	return &Client{inner: c}, nil
}

// detectDockerHost returns the Docker host URI for the current platform's
// default socket locations.
func detectDockerHost() (string, error) {
	// The system socket comes first on every platform.
	paths := []string{"/var/run/docker.sock"}

	// Docker Desktop on macOS may only expose a per-user socket.
	if runtime.GOOS == "darwin" {
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, home+"/.docker/run/docker.sock")
		}
	}
	return detectUnixSocket(paths)
}

// detectUnixSocket returns "unix://<path>" for the first path that exists.
// Existence does not guarantee the daemon is listening.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		// Stat only checks existence; a stale socket from a stopped
		// daemon still passes and is caught later by Ping.
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("%w at any of %v", ErrNoSocket, paths)
}

// Ping checks that the daemon answers within defaultPingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	// Bound the call so an unresponsive daemon cannot stall startup.
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return fmt.Errorf("docker daemon is not responding: %w", err)
	}
	return nil
}

// Close releases the client. It is safe to call more than once.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}
