// Package port implements port availability probing and random port
// allocation for task attempt environments.
package port

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mmr-tortoise/worktree-env/internal/model"
)

const (
	// ProtocolTCP probes with a stream listener.
	ProtocolTCP = "tcp"

	// ProtocolUDP probes with a connectionless socket.
	ProtocolUDP = "udp"

	// ProtocolBoth requires the port to be free for TCP and UDP.
	ProtocolBoth = "both"

	// DefaultProbeTimeout bounds a single probe. Binding is normally
	// immediate; the timeout covers address resolution on exotic hosts.
	DefaultProbeTimeout = 2 * time.Second
)

// Prober reports whether a port can be bound on the host right now.
// The Allocator depends on this interface so tests can substitute a fake.
type Prober interface {
	IsPortAvailable(port int) bool
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	// Protocol is "tcp" (default), "udp" or "both".
	Protocol string

	// Host is the bind address. Empty binds all interfaces, which matches
	// how most dev servers and Docker publish ports; "127.0.0.1" probes
	// loopback only.
	Host string

	// Timeout bounds each probe. Zero means DefaultProbeTimeout.
	Timeout time.Duration
}

// Scanner checks whether specific ports are available on the host machine.
//
// It uses the operating system's network stack (net.Listen /
// net.ListenPacket) to determine if a port is free. This asks the OS
// directly rather than parsing /proc/net/* or shelling out to `lsof`.
type Scanner struct {
	protocol string
	host     string
	timeout  time.Duration
}

// NewScanner creates a Scanner that probes TCP on all interfaces.
func NewScanner() *Scanner {
	return NewScannerWithOptions(ScannerOptions{})
}

// NewScannerWithOptions creates a Scanner with explicit options. Empty
// fields fall back to their defaults.
func NewScannerWithOptions(opts ScannerOptions) *Scanner {
	s := &Scanner{
		protocol: opts.Protocol,
		host:     opts.Host,
		timeout:  opts.Timeout,
	}
	if s.protocol == "" {
		s.protocol = ProtocolTCP
	}
	if s.timeout <= 0 {
		s.timeout = DefaultProbeTimeout
	}
	return s
}

// Protocol returns the protocol the Scanner probes by default.
func (s *Scanner) Protocol() string {
	return s.protocol
}

// IsPortAvailable checks whether port is free for the Scanner's configured
// protocol. It satisfies the Prober interface.
func (s *Scanner) IsPortAvailable(port int) bool {
	return s.IsPortAvailableFor(port, s.protocol)
}

// IsPortAvailableFor checks whether a single port is free on the host
// machine for the given protocol.
//
// For TCP, it attempts to listen on the port. For UDP, it attempts to bind
// a packet socket. If the bind succeeds, the port is available and the
// socket is closed before returning, so nothing outlives the call.
//
// Returns false if the port is in use, the caller lacks permission, the
// port is out of range, or the protocol is unknown.
func (s *Scanner) IsPortAvailableFor(port int, protocol string) bool {
	if port < 1 || port > model.MaxPort {
		return false
	}

	switch protocol {
	case ProtocolTCP:
		return s.probeTCP(port)
	case ProtocolUDP:
		return s.probeUDP(port)
	case ProtocolBoth:
		return s.probeTCP(port) && s.probeUDP(port)
	default:
		// Unknown protocol: report unavailable.
		return false
	}
}

func (s *Scanner) addr(port int) string {
	return net.JoinHostPort(s.host, strconv.Itoa(port))
}

func (s *Scanner) probeTCP(port int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr(port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

func (s *Scanner) probeUDP(port int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", s.addr(port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// FindAvailablePort scans a port range [startPort, endPort] (inclusive) and
// returns the first port that is available for the Scanner's protocol.
//
// The search is sequential from startPort upward. Returns an error if no
// available port is found in the entire range.
func (s *Scanner) FindAvailablePort(startPort, endPort int) (int, error) {
	for port := startPort; port <= endPort; port++ {
		if s.IsPortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available %s port found in range %d-%d", s.protocol, startPort, endPort)
}

// GetUsedPorts returns the ports within [startPort, endPort] (inclusive)
// that currently fail the availability probe.
//
// This backs the `ports scan` command, which shows which ports in a range
// are occupied on the host regardless of what the ledger says.
func (s *Scanner) GetUsedPorts(startPort, endPort int) []int {
	var used []int
	for port := startPort; port <= endPort; port++ {
		if !s.IsPortAvailable(port) {
			used = append(used, port)
		}
	}
	return used
}
