package wireguard

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"vpnpool/internal/execx"
)

// KeyPairGenerator issues WireGuard key pairs.
type KeyPairGenerator interface {
	GenerateKeyPair(ctx context.Context) (privateKey, publicKey string, err error)
}

// PeerInstaller makes a client public key known to the local interface.
type PeerInstaller interface {
	InstallPeer(ctx context.Context, publicKey, internalAddress string) error
}

// Manager executes wg commands against one interface. It is injectable for unit tests.
type Manager struct {
	r     execx.Runner
	iface string
}

var (
	_ KeyPairGenerator = (*Manager)(nil)
	_ PeerInstaller    = (*Manager)(nil)
)

func NewManager(r execx.Runner, iface string) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{r: r, iface: iface}
}

func (m *Manager) Interface() string {
	return m.iface
}

// GenerateKeyPair runs wg genkey and derives the public half with wg pubkey.
func (m *Manager) GenerateKeyPair(ctx context.Context) (string, string, error) {
	priv, err := m.output(ctx, "wg", "genkey")
	if err != nil {
		return "", "", fmt.Errorf("wg genkey: %w", err)
	}
	if !ValidKey(priv) {
		return "", "", fmt.Errorf("wg genkey returned a malformed key")
	}
	pub, err := m.outputInput(ctx, priv+"\n", "wg", "pubkey")
	if err != nil {
		return "", "", fmt.Errorf("wg pubkey: %w", err)
	}
	if !ValidKey(pub) {
		return "", "", fmt.Errorf("wg pubkey returned a malformed key")
	}
	return priv, pub, nil
}

// InstallPeer adds publicKey as a peer owning internalAddress as a host route.
func (m *Manager) InstallPeer(ctx context.Context, publicKey, internalAddress string) error {
	if m.iface == "" {
		return fmt.Errorf("wg_interface is required")
	}
	if !ValidKey(publicKey) {
		return fmt.Errorf("invalid public key %q", publicKey)
	}
	addr, err := netip.ParseAddr(internalAddress)
	if err != nil {
		return fmt.Errorf("invalid internal address %q: %w", internalAddress, err)
	}
	allowed := netip.PrefixFrom(addr, addr.BitLen()).String()
	return m.run(ctx, "wg", "set", m.iface, "peer", publicKey, "allowed-ips", allowed)
}

// SaveConfig persists the running interface state with wg-quick.
func (m *Manager) SaveConfig(ctx context.Context) error {
	if m.iface == "" {
		return fmt.Errorf("wg_interface is required")
	}
	return m.run(ctx, "wg-quick", "save", m.iface)
}

// PublicKey returns the interface's own public key.
func (m *Manager) PublicKey(ctx context.Context) (string, error) {
	if m.iface == "" {
		return "", fmt.Errorf("wg_interface is required")
	}
	out, err := m.output(ctx, "wg", "show", m.iface, "public-key")
	if err != nil {
		return "", err
	}
	if !ValidKey(out) {
		return "", fmt.Errorf("interface %s has no usable public key", m.iface)
	}
	return out, nil
}

// ListenPort returns the UDP port the interface listens on.
func (m *Manager) ListenPort(ctx context.Context) (int, error) {
	if m.iface == "" {
		return 0, fmt.Errorf("wg_interface is required")
	}
	out, err := m.output(ctx, "wg", "show", m.iface, "listen-port")
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("unexpected listen port %q", out)
	}
	return port, nil
}

// Transfer returns received and transmitted byte totals over all peers.
func (m *Manager) Transfer(ctx context.Context) (rx, tx uint64, err error) {
	if m.iface == "" {
		return 0, 0, fmt.Errorf("wg_interface is required")
	}
	out, err := m.output(ctx, "wg", "show", m.iface, "transfer")
	if err != nil {
		return 0, 0, err
	}
	rx, tx = ParseTransfer(out)
	return rx, tx, nil
}

// ParseTransfer sums the rx/tx columns of `wg show <iface> transfer`.
func ParseTransfer(out string) (rx, tx uint64) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		r, errR := strconv.ParseUint(fields[1], 10, 64)
		t, errT := strconv.ParseUint(fields[2], 10, 64)
		if errR != nil || errT != nil {
			continue
		}
		rx += r
		tx += t
	}
	return rx, tx
}

// ValidKey reports whether s is a base64 encoded 32-byte WireGuard key.
func ValidKey(s string) bool {
	b, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(b) == 32
}

func (m *Manager) run(ctx context.Context, name string, args ...string) error {
	if m == nil || m.r == nil {
		return fmt.Errorf("runner not initialized")
	}
	return m.r.Run(ctx, name, args...)
}

func (m *Manager) output(ctx context.Context, name string, args ...string) (string, error) {
	if m == nil || m.r == nil {
		return "", fmt.Errorf("runner not initialized")
	}
	return m.r.Output(ctx, name, args...)
}

func (m *Manager) outputInput(ctx context.Context, input, name string, args ...string) (string, error) {
	if m == nil || m.r == nil {
		return "", fmt.Errorf("runner not initialized")
	}
	return m.r.OutputInput(ctx, input, name, args...)
}
