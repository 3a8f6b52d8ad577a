package wireguard

import (
	"strings"
	"testing"

	"vpnpool/internal/model"
)

func TestClientProfileRender(t *testing.T) {
	t.Parallel()

	lease := model.Lease{
		ServerIP:        "203.0.113.10",
		ServerPort:      51820,
		ServerPubkey:    testPub,
		PrivateKey:      testPriv,
		InternalAddress: "10.8.0.12",
	}
	out, err := DefaultClientProfile().Render(lease)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{
		"PrivateKey = " + testPriv,
		"Address = 10.8.0.12/24",
		"DNS = 1.1.1.1, 8.8.8.8",
		"PublicKey = " + testPub,
		"Endpoint = 203.0.113.10:51820",
		"AllowedIPs = 0.0.0.0/0",
		"PersistentKeepalive = 25",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestClientProfileRender_IPv6Endpoint(t *testing.T) {
	t.Parallel()

	p := ClientProfile{PrefixLen: 64, AllowedIPs: []string{"::/0"}}
	out, err := p.Render(model.Lease{
		ServerIP:        "2001:db8::1",
		ServerPort:      51820,
		ServerPubkey:    testPub,
		PrivateKey:      testPriv,
		InternalAddress: "fd00::12",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "Endpoint = [2001:db8::1]:51820") || !strings.Contains(out, "Address = fd00::12/64") {
		t.Fatalf("unexpected config:\n%s", out)
	}
	if strings.Contains(out, "DNS") || strings.Contains(out, "PersistentKeepalive") {
		t.Fatalf("unexpected optional settings:\n%s", out)
	}
}

func TestClientProfileRender_RequiresServerKey(t *testing.T) {
	t.Parallel()

	_, err := DefaultClientProfile().Render(model.Lease{
		ServerIP: "203.0.113.10", ServerPort: 51820, PrivateKey: testPriv, InternalAddress: "10.8.0.2",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}
