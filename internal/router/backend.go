package router

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Wildcard is the target address that routes a connection to the
// hostname the client requested.
const Wildcard = "*"

// DefaultMatchTimeout bounds a single pattern evaluation against an
// untrusted hostname.
const DefaultMatchTimeout = 100 * time.Millisecond

// Rule is the configuration of one backend.
type Rule struct {
	Pattern string
	Address string
	Port    int
}

// Backend is one routing rule: a compiled hostname pattern and the target
// it routes to. Backends are immutable once built.
type Backend struct {
	pattern string
	address string
	port    int
	re      *regexp2.Regexp
}

// newBackend builds a backend from a rule. Nothing is returned unless the
// pattern compiled and the address is usable.
func newBackend(rule Rule, matchTimeout time.Duration) (*Backend, error) {
	if rule.Address == "" {
		return nil, newAddressError(rule.Pattern)
	}

	re, err := compilePattern(rule.Pattern, matchTimeout)
	if err != nil {
		return nil, newPatternError(rule.Pattern, err)
	}

	return &Backend{
		pattern: rule.Pattern,
		address: strings.ToLower(rule.Address),
		port:    rule.Port,
		re:      re,
	}, nil
}

// compilePattern compiles a hostname pattern with Perl-compatible syntax.
func compilePattern(pattern string, matchTimeout time.Duration) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, err
	}
	if matchTimeout > 0 {
		re.MatchTimeout = matchTimeout
	}
	return re, nil
}

// ValidateRule checks that a rule would be accepted by Registry.Add.
func ValidateRule(rule Rule) error {
	_, err := newBackend(rule, 0)
	return err
}

// Pattern returns the hostname pattern as written in configuration.
func (b *Backend) Pattern() string {
	return b.pattern
}

// Address returns the lower-cased target address.
func (b *Backend) Address() string {
	return b.address
}

// Port returns the target port.
func (b *Backend) Port() int {
	return b.port
}

// Passthrough reports whether the backend targets the requested hostname.
func (b *Backend) Passthrough() bool {
	return b.address == Wildcard
}

// Target returns the host to connect to for a request naming hostname.
func (b *Backend) Target(hostname string) string {
	if b.Passthrough() {
		return hostname
	}
	return b.address
}

// Match reports whether the pattern occurs anywhere in hostname. An error
// is returned only when evaluation exceeded the match timeout.
func (b *Backend) Match(hostname string) (bool, error) {
	return b.re.MatchString(hostname)
}

// Rule returns the configuration the backend was built from, with the
// address in its normalized form.
func (b *Backend) Rule() Rule {
	return Rule{Pattern: b.pattern, Address: b.address, Port: b.port}
}

// String returns a human-readable description of the backend.
func (b *Backend) String() string {
	return fmt.Sprintf("%s -> %s", b.pattern, net.JoinHostPort(b.address, strconv.Itoa(b.port)))
}
