package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes a port by dialing it, e.g. a fresh node's SSH port or a
// workload's exposed service port.
type TCPChecker struct {
	// Address is host:port; for mesh workloads the host is the tailnet IP.
	Address string
	Timeout time.Duration
}

// NewTCPChecker builds a dial probe with a 5s timeout.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check dials once; a successful connection is immediately closed.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("dial %s: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s reachable", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
