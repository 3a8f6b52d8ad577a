// Package stunutil discovers a host's public address over STUN.
package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// DefaultTimeout bounds a single server query.
const DefaultTimeout = 5 * time.Second

// Mapping is the public address observed by STUN servers.
type Mapping struct {
	// Addr is "ip:port" as seen by the first answering server.
	Addr string
	IP   string
	NAT  string
}

// Discover queries servers in order and returns the first mapping. The NAT
// type is classified from all answers.
func Discover(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error) {
	if len(servers) == 0 {
		return Mapping{NAT: NATTypeUnknown}, errors.New("no STUN servers provided")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	results := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := query(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		results = append(results, addr)
	}
	if len(results) == 0 {
		return Mapping{NAT: NATTypeUnknown}, lastErr
	}

	host, _, err := net.SplitHostPort(results[0])
	if err != nil {
		return Mapping{NAT: NATTypeUnknown}, err
	}
	return Mapping{Addr: results[0], IP: host, NAT: Classify(results)}, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// parseURI accepts "host:port" as well as full stun: URIs.
func parseURI(server string) (*stun.URI, error) {
	s := strings.TrimSpace(server)
	if s == "" {
		return nil, errors.New("empty STUN server")
	}
	if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
		s = "stun:" + s
	}
	return stun.ParseURI(s)
}

func query(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uri, err := parseURI(server)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
