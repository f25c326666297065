// Package docker reports host ports published by running Docker
// containers.
//
// Docker normally backs each published port with a userland proxy that
// shows up as a listening socket, but with the proxy disabled
// ("userland-proxy": false) the port is held only by iptables rules and is
// invisible to a socket-table query. PublishedPorts closes that gap for the
// port allocator.
//
// The package uses github.com/docker/docker/client with API version
// negotiation, so it works against any reasonably recent daemon.
package docker
