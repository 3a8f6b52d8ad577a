//go:build integration

package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnpool/internal/broker"
)

// This test requires Linux, root, iproute2 (`ip`) and WireGuard tools (`wg`).
// It creates a throwaway wg link and is gated behind -tags=integration and
// VPNPOOL_INTEGRATION=1.
func TestProvision_RealInterface(t *testing.T) {
	if os.Getenv("VPNPOOL_INTEGRATION") != "1" {
		t.Skip("set VPNPOOL_INTEGRATION=1 to run")
	}
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	for _, tool := range []string{"ip", "wg"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("missing %s", tool)
		}
	}

	iface := fmt.Sprintf("vpit%d", os.Getpid()%100000)
	t.Cleanup(func() { _ = exec.Command("ip", "link", "del", iface).Run() })

	keyPath := t.TempDir() + "/server.key"
	priv := strings.TrimSpace(string(runOut(t, "wg", "genkey")))
	require.NoError(t, os.WriteFile(keyPath, []byte(priv), 0o600))
	run(t, "ip", "link", "add", iface, "type", "wireguard")
	run(t, "wg", "set", iface, "private-key", keyPath, "listen-port", "51999")
	run(t, "ip", "link", "set", iface, "up")

	hs, b := newBroker(t)
	cfg := testConfig(hs.URL)
	cfg.WGInterface = iface
	cfg.TrafficInterface = iface
	cfg.Provision.FirstHost, cfg.Provision.LastHost = 10, 13

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// wg-quick save fails without a config file; that is only logged.
	report, err := New(cfg, nil).Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Result.Registered)

	peers := strings.Fields(string(runOut(t, "wg", "show", iface, "peers")))
	assert.Len(t, peers, 4)

	lease, err := b.Allocate(ctx, broker.AllocateRequest{Holder: "it"})
	require.NoError(t, err)
	assert.Equal(t, 51999, lease.ServerPort)
	assert.Contains(t, peers, lease.PublicKey)
}

func run(t *testing.T, name string, args ...string) {
	t.Helper()
	runOut(t, name, args...)
}

func runOut(t *testing.T, name string, args ...string) []byte {
	t.Helper()
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
	return out
}
