package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Listen binds the first free port in [port, port+span). Port 0 asks the
// kernel for any free port.
func Listen(host string, port, span int) (net.Listener, error) {
	if span < 1 || port == 0 {
		span = 1
	}
	var errs []error
	for p := port; p < port+span; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", port, port+span-1, errors.Join(errs...))
}
