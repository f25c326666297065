package docker

import (
	"context"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// PortSource lists the TCP host ports published by running containers.
// It satisfies the port allocator's supplemental source interface.
type PortSource struct {
	client *Client
}

// NewPortSource creates a PortSource backed by c.
func NewPortSource(c *Client) *PortSource {
	return &PortSource{client: c}
}

// Name identifies the source in log messages.
func (s *PortSource) Name() string {
	return "docker"
}

// UsedPorts returns the sorted, de-duplicated published TCP ports of every
// running container. An unreachable daemon is an error; the allocator logs
// it and carries on without Docker's ports.
func (s *PortSource) UsedPorts(ctx context.Context) ([]int, error) {
	// Step 1: List running containers only. A stopped container keeps its
	// port bindings in its config but holds no host socket.
	containers, err := s.client.inner.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		return nil, fmt.Errorf("list docker containers: %w", err)
	}

	// Step 2: Flatten every container's bindings. The same host port can
	// show up twice when a binding exists for both IPv4 and IPv6.
	var published []portMapping
	for _, c := range containers {
		for _, p := range c.Ports {
			published = append(published, portMapping{Public: p.PublicPort, Proto: p.Type})
		}
	}
	// Step 3: Workers only bind TCP, so UDP bindings never conflict.
	return publishedTCPPorts(published), nil
}

// portMapping is the part of a container port binding the allocator cares
// about.
type portMapping struct {
	Public uint16
	Proto  string
}

// publishedTCPPorts extracts host-side TCP ports. Unpublished container
// ports report a public port of 0 and are skipped.
func publishedTCPPorts(mappings []portMapping) []int {
	seen := make(map[int]bool)
	for _, m := range mappings {
		if m.Public == 0 || m.Proto != "tcp" {
			continue
		}
		seen[int(m.Public)] = true
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
