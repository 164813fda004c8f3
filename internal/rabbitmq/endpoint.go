package rabbitmq

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is a single broker address
type Endpoint struct {
	Host string
	Port int
}

// String returns host:port
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Endpoints is the ordered, read-only address set the connection is dialed
// against. The first reachable endpoint wins.
type Endpoints []Endpoint

// String joins the endpoints with commas, for logs and error context
func (es Endpoints) String() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}

// ParseEndpoints parses a comma separated "host[:port]" list. Entries without
// a port use defaultPort. An empty list is a configuration error.
func ParseEndpoints(raw string, defaultPort int) (Endpoints, error) {
	var endpoints Endpoints
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		ep, err := parseEndpoint(part, defaultPort)
		if err != nil {
			return nil, &ConfigurationError{Field: "hosts", Err: err}
		}
		endpoints = append(endpoints, ep)
	}

	if len(endpoints) == 0 {
		return nil, &ConfigurationError{
			Field: "hosts",
			Err:   fmt.Errorf("%w: hosts are undefined", ErrInvalidConfiguration),
		}
	}
	return endpoints, nil
}

func parseEndpoint(s string, defaultPort int) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || addrErr.Err != "missing port in address" {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidConfiguration, s, err)
		}
		host = strings.Trim(s, "[]")
		portStr = ""
	}

	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: empty host", ErrInvalidConfiguration, s)
	}

	port := defaultPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: invalid port", ErrInvalidConfiguration, s)
		}
	}
	if port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %q: port must be between 1 and 65535", ErrInvalidConfiguration, s)
	}

	return Endpoint{Host: host, Port: port}, nil
}
