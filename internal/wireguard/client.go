package wireguard

import (
	"fmt"
	"net/netip"
	"strings"

	"vpnpool/internal/model"
)

// ClientProfile holds the client-side settings rendered into lease configs.
type ClientProfile struct {
	PrefixLen    int
	DNS          string
	AllowedIPs   []string
	KeepaliveSec int
	MTU          int
}

func DefaultClientProfile() ClientProfile {
	return ClientProfile{
		PrefixLen:    24,
		DNS:          "1.1.1.1, 8.8.8.8",
		AllowedIPs:   []string{"0.0.0.0/0"},
		KeepaliveSec: 25,
	}
}

// Render renders a wg-quick config for the holder of lease.
func (p ClientProfile) Render(lease model.Lease) (string, error) {
	if lease.PrivateKey == "" {
		return "", fmt.Errorf("private_key is required")
	}
	if lease.ServerPubkey == "" {
		return "", fmt.Errorf("server_pubkey is required")
	}
	if lease.ServerIP == "" || lease.ServerPort <= 0 {
		return "", fmt.Errorf("server endpoint is required")
	}
	addr, err := netip.ParseAddr(lease.InternalAddress)
	if err != nil {
		return "", fmt.Errorf("invalid internal address %q", lease.InternalAddress)
	}
	bits := p.PrefixLen
	if bits <= 0 || bits > addr.BitLen() {
		bits = addr.BitLen()
	}
	allowed := p.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0"}
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	b.WriteString("PrivateKey = ")
	b.WriteString(lease.PrivateKey)
	b.WriteString("\n")
	b.WriteString("Address = ")
	b.WriteString(netip.PrefixFrom(addr, bits).String())
	b.WriteString("\n")
	if p.DNS != "" {
		b.WriteString("DNS = ")
		b.WriteString(p.DNS)
		b.WriteString("\n")
	}
	if p.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", p.MTU)
	}

	b.WriteString("\n[Peer]\n")
	b.WriteString("PublicKey = ")
	b.WriteString(lease.ServerPubkey)
	b.WriteString("\n")
	b.WriteString("Endpoint = ")
	b.WriteString(model.JoinEndpoint(lease.ServerIP, lease.ServerPort))
	b.WriteString("\n")
	b.WriteString("AllowedIPs = ")
	b.WriteString(strings.Join(allowed, ", "))
	b.WriteString("\n")
	if p.KeepaliveSec > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.KeepaliveSec)
	}
	return b.String(), nil
}
