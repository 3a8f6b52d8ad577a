package model

import (
	"net"
	"strconv"
)

// JoinEndpoint formats host and port, bracketing IPv6 hosts.
func JoinEndpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
