package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Resolver turns a hostname into the addresses it names. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var (
	errEmptyTarget = errors.New("empty target hostname")
	errNoAddresses = errors.New("resolver returned no addresses")
)

// resolveCandidates resolves host and port into dialable host:port strings,
// preserving the order the resolver returned. IP literals are used as is.
func resolveCandidates(ctx context.Context, resolver Resolver, host string, port int) ([]string, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range", port)
	}
	if host == "" {
		return nil, errEmptyTarget
	}

	portStr := strconv.Itoa(port)

	if addr, err := netip.ParseAddr(host); err == nil {
		return []string{net.JoinHostPort(addr.String(), portStr)}, nil
	}

	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errNoAddresses
	}

	candidates := make([]string, 0, len(addrs))
	for _, a := range addrs {
		candidates = append(candidates, net.JoinHostPort(a, portStr))
	}
	return candidates, nil
}
