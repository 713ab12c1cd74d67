// Package docker connects to the Docker Engine and reports host ports
// published by containers, so the port allocator avoids ports that a
// stopped container will claim again when it restarts.
//
// The package uses github.com/docker/docker/client with API version
// negotiation enabled.
package docker
